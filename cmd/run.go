package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/audiolibrelab/tapcapture/internal/service"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [recording-name]",
	Short: "Execute pipeline steps on a recording",
	Long: `Execute the specified pipeline steps on a recording. Use -p to specify which steps to run,
for example -p rp records until Enter is pressed and then plays the result.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rp)")
		}

		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		steps := []rune(strings.ToLower(pipeline))
		for i, step := range steps {
			fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)
			if err := runStep(ctx, svc, name, step); err != nil {
				return err
			}
		}

		return nil
	},
}

func init() {
	runCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	rootCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}
