package cmd

import (
	"fmt"

	"github.com/audiolibrelab/tapcapture/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [recording-name]",
	Short: "Show resolved configuration and file paths for a recording",
	Long:  `Display the resolved configuration with inheritance indicators and the file path for the given recording name. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		return printRecordingInfo(svc, args[0])
	},
}

func printRecordingInfo(svc service.Service, name string) error {
	info, err := svc.GetRecordingInfo(name)
	if err != nil {
		return err
	}
	cfg := svc.GetConfig()
	inh := cfg.Inheritance

	// Display file paths
	fmt.Printf("=== FILE PATHS ===\n")
	fmt.Printf("output: %s\n", info.Output)
	fmt.Printf("clean_name: %s\n", info.CleanName)
	fmt.Printf("exists: %t\n", info.Exists)
	if info.File != nil {
		fmt.Printf("size: %d bytes\n", info.File.Size)
		fmt.Printf("format: %d Hz / %d ch / %d bit\n", info.File.SampleRate, info.File.Channels, info.File.BitDepth)
		fmt.Printf("duration: %s\n", info.File.Duration)
	}

	// Display resolved configuration with inheritance indicators
	fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

	fmt.Printf("\n[Capture]\n")
	fmt.Printf("backend: %s %s\n", cfg.Capture.Backend, getInheritanceIndicator(inh.Capture.Backend))
	if cfg.Capture.Driver != "" {
		fmt.Printf("driver: %s %s\n", cfg.Capture.Driver, getInheritanceIndicator(inh.Capture.Driver))
	}
	fmt.Printf("max_duration: %ds %s\n", cfg.Capture.MaxDuration, getInheritanceIndicator(inh.Capture.MaxDuration))

	fmt.Printf("\n[Tap]\n")
	fmt.Printf("name: %s %s\n", cfg.Tap.Name, getInheritanceIndicator(inh.Tap))
	fmt.Printf("aggregate_uid: %s\n", cfg.Tap.AggregateUID)
	fmt.Printf("mute: %s\n", cfg.Tap.Mute)
	fmt.Printf("private: %t\n", cfg.Tap.Private)

	if cfg.Capture.Backend == "simulated" {
		fmt.Printf("\n[Simulated]\n")
		fmt.Printf("sample_rate: %d %s\n", cfg.Simulated.SampleRate, getInheritanceIndicator(inh.Simulated))
		fmt.Printf("channels: %d\n", cfg.Simulated.Channels)
		fmt.Printf("signal: %s\n", cfg.Simulated.Signal)
	}

	fmt.Printf("\n[Output]\n")
	fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
	fmt.Printf("bit_depth: %d %s\n", cfg.Output.BitDepth, getInheritanceIndicator(inh.Output.BitDepth))

	return nil
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	case "default":
		return "[default]"
	default:
		return "[unknown]"
	}
}
