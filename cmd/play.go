package cmd

import (
	"fmt"

	"github.com/audiolibrelab/tapcapture/internal/service"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [recording-name]",
	Short: "Play a recording",
	Long: `Play a saved WAV recording with the first audio player found on the system
(ffplay, mpv, vlc, afplay or aplay).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		fmt.Printf("Playing recording: %s\n", name)

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		if err := svc.Play(cmd.Context(), name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		return nil
	},
}
