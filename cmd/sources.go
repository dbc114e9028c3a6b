package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/tapcapture/internal/backend"
	"github.com/audiolibrelab/tapcapture/internal/service"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available output devices",
	Long:  `List the output devices the configured audio backend can tap. The default device is the one recordings capture.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		devices, err := svc.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		fmt.Printf("Output Devices (%s, %s backend)\n", runtime.GOOS, backend.Determine(cfg))
		fmt.Printf("═══════════════════════════════════════\n\n")
		fmt.Printf("%d found:\n", len(devices))
		for i, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf(" %s %d. %s (%s)\n", marker, i+1, d.Name, d.UID)
		}

		fmt.Printf("\nAvailable backends: %v\n", backend.Available())
		return nil
	},
}
