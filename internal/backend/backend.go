// Package backend picks and constructs the audio.Platform a run uses.
package backend

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/tapcapture/internal/audio"
	"github.com/audiolibrelab/tapcapture/internal/backend/miniaudio"
	"github.com/audiolibrelab/tapcapture/internal/backend/pipewire"
	"github.com/audiolibrelab/tapcapture/internal/backend/simulated"
	"github.com/audiolibrelab/tapcapture/internal/config"
)

// Type represents the type of audio backend
type Type string

const (
	TypeAuto      Type = "auto"
	TypeMiniaudio Type = "miniaudio"
	TypePipeWire  Type = "pipewire"
	TypeSimulated Type = "simulated"
)

// New creates the platform selected by cfg.
func New(cfg *config.Config) (audio.Platform, error) {
	switch t := Determine(cfg); t {
	case TypeSimulated:
		slog.Debug("Using simulated audio backend")
		return simulated.New(simulated.Config{
			SampleRate:   float64(cfg.Simulated.SampleRate),
			Channels:     cfg.Simulated.Channels,
			PeriodFrames: cfg.Simulated.PeriodFrames,
			Signal:       cfg.Simulated.Signal,
		}), nil
	case TypeMiniaudio:
		p, err := miniaudio.New(miniaudio.Config{
			Backend: cfg.Capture.Driver,
			Trace:   cfg.Capture.Trace,
		})
		if err != nil {
			return nil, fmt.Errorf("miniaudio backend unavailable: %w", err)
		}
		return p, nil
	case TypePipeWire:
		p, err := pipewire.New(pipewire.Config{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
			Target:     cfg.Capture.Target,
		})
		if err != nil {
			return nil, fmt.Errorf("pipewire backend unavailable: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", t)
	}
}

// Determine determines which backend to use based on configuration
func Determine(cfg *config.Config) Type {
	switch strings.ToLower(cfg.Capture.Backend) {
	case "simulated":
		return TypeSimulated
	case "pipewire":
		return TypePipeWire
	case "miniaudio", "auto", "":
		return TypeMiniaudio
	default:
		return Type(cfg.Capture.Backend)
	}
}

// Available returns list of available backends on current system
func Available() []Type {
	return []Type{TypeMiniaudio, TypePipeWire, TypeSimulated}
}
