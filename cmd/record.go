package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/tapcapture/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [recording-name]",
	Short: "Record the system audio output",
	Long: `Record everything the default output device plays into a WAV file named
after the recording. Press Ctrl+C to stop; the recording also stops by itself
when the capture limit is reached or the output device changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		slog.Info("Record command started", "name", name)

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

		fmt.Println("Recording... Press Ctrl+C to stop")
		res, err := recordUntil(ctx, svc, name, nil)
		if err != nil {
			return err
		}
		printResult(res)

		// Execute pipeline if specified
		return executePipeline(svc, name, 'r')
	},
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}

// recordUntil records name until ctx is done, enter is signalled or the
// recording stops by itself, and returns the saved result.
func recordUntil(ctx context.Context, svc service.Service, name string, enter <-chan struct{}) (*service.ResultInfo, error) {
	session, err := svc.StartRecording(name)
	if err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}
	slog.Info("Recording started", "output", session.OutputFile)

	type outcome struct {
		res *service.ResultInfo
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.WaitRecording(context.Background())
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
	case <-enter:
	case out := <-done:
		return out.res, out.err
	}

	slog.Info("Stopping recording...")
	if err := svc.StopRecording(); err != nil && !errors.Is(err, service.ErrNotRecording) {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	out := <-done
	return out.res, out.err
}

// waitForEnter returns a channel closed once a line is read from stdin
func waitForEnter() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		bufio.NewScanner(os.Stdin).Scan()
		close(ch)
	}()
	return ch
}

func printResult(res *service.ResultInfo) {
	if res == nil {
		return
	}
	fmt.Printf("Recording %s: %s\n", res.State, res.Destination)
	fmt.Printf("  duration: %.2fs (%d frames, %s)\n", res.DurationSeconds, res.Frames, res.Format)
	fmt.Printf("  stopped:  %s\n", res.Reason)
	if res.Error != "" {
		fmt.Printf("  error:    %s\n", res.Error)
	}
}
