package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/tapcapture/internal/export"
)

// players lists the supported external players in order of preference.
var players = []string{"ffplay", "mpv", "vlc", "afplay", "aplay"}

type Player struct {
	directory string

	lookPath func(string) (string, error)
	run      func(*exec.Cmd) error
}

func New(directory string) *Player {
	return &Player{
		directory: directory,
		lookPath:  exec.LookPath,
		run:       (*exec.Cmd).Run,
	}
}

// Play plays the recording called name and blocks until the player exits or
// ctx is cancelled.
func (p *Player) Play(ctx context.Context, name string) error {
	audioFile := export.RecordingPath(p.directory, name)

	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("audio file not found: %s", audioFile)
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd := exec.CommandContext(ctx, player, playerArgs(player, audioFile)...)
	slog.Info("Playing recording", "file", audioFile, "player", player)

	if err := p.run(cmd); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	slog.Debug("Playback completed", "file", audioFile)
	return nil
}

func playerArgs(player, audioFile string) []string {
	switch player {
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", audioFile}
	case "mpv":
		return []string{"--no-video", audioFile}
	case "vlc":
		return []string{"--play-and-exit", "--intf", "dummy", audioFile}
	default:
		return []string{audioFile}
	}
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
