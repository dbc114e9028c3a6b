package pipewire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Capture is a running capture process streaming raw interleaved float32
// samples.
type Capture interface {
	io.Reader
	Interrupt() error
	Kill() error
	Wait() error
}

// Launcher starts a capture process.
type Launcher func(ctx context.Context, name string, args ...string) (Capture, error)

// recordArgs builds the pw-record command line for a stream following the
// monitor of target, or of the default output when target is empty.
func recordArgs(cfg Config, target string) []string {
	args := []string{
		"-P", "{ stream.capture.sink=true }",
		"--rate", strconv.Itoa(cfg.SampleRate),
		"--channels", strconv.Itoa(cfg.Channels),
		"--format", "f32",
		"--latency", strconv.Itoa(cfg.PeriodFrames),
		"--raw",
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	return append(args, "-")
}

type execCapture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func execLauncher(ctx context.Context, name string, args ...string) (Capture, error) {
	slog.Info("Starting PipeWire capture", "command", name+" "+strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	go readOutput(stderr, name)

	return &execCapture{cmd: cmd, stdout: stdout}, nil
}

func (c *execCapture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *execCapture) Interrupt() error {
	return c.cmd.Process.Signal(os.Interrupt)
}

func (c *execCapture) Kill() error {
	return c.cmd.Process.Kill()
}

// Wait reaps the process. An exit caused by Interrupt or Kill is not an error.
func (c *execCapture) Wait() error {
	err := c.cmd.Wait()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ProcessState != nil {
		stateStr := exitErr.ProcessState.String()
		if stateStr == "signal: interrupt" || stateStr == "signal: killed" {
			slog.Debug("Capture process exited due to signal", "state", stateStr)
			return nil
		}
	}
	return fmt.Errorf("capture process failed: %w", err)
}

// readOutput forwards a process pipe to the debug log
func readOutput(pipe io.ReadCloser, label string) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		slog.Debug("PipeWire output", "process", label, "line", scanner.Text())
	}
	pipe.Close()
}
