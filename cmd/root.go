package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/tapcapture/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "tapcapture [recording-name]",
	Short: "Record everything the system is playing",
	Long: `TapCapture records the system audio output through a shared process tap
and saves each recording as a WAV file.

Recordings stop when you ask, when the capture limit is reached or when the
output device changes underneath the tap.

When a recording name is provided, it acts as 'tapcapture run [recording-name]'.`,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// config init creates the file the other commands load
		if cmd.Name() == "init" {
			return nil
		}

		explicit := cfgFile != ""
		if !explicit {
			cfgFile = defaultConfigPath()
		}

		// For sources command, only load config if explicitly provided
		if cmd.Name() == "sources" && !explicit {
			cfg = config.Default()
			return nil
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verboseLevel >= 2 {
			cfg.Capture.Trace = true
		}

		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If a recording name is provided, delegate to run command
		if len(args) == 1 {
			return runCmd.RunE(cmd, args)
		}
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/tapcapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, i=info, p=play (e.g., 'rp', 'ri')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=backend tracing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/tapcapture.yaml")
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}
