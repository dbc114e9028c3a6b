package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a recorder
type State uint8

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRecording:
		return "RECORDING"
	case StateStopping:
		return "STOPPING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// MarshalText lets states show up by name in JSON status responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Startable reports whether Start is accepted from this state.
func (s State) Startable() bool {
	return s == StateIdle || s == StateSucceeded || s == StateFailed
}

// Terminal reports whether a recording attempt has ended in this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StopReason records why a recording left the Recording state
type StopReason uint8

const (
	StopNone StopReason = iota
	StopUserRequested
	StopBufferFull
	StopConfigurationChanged
	StopDeviceRemoved
	StopExplicitError
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopUserRequested:
		return "user_requested"
	case StopBufferFull:
		return "buffer_full"
	case StopConfigurationChanged:
		return "configuration_changed"
	case StopDeviceRemoved:
		return "device_removed"
	case StopExplicitError:
		return "explicit_error"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Early reports whether the recording ended before the caller asked for it.
func (r StopReason) Early() bool {
	return r == StopBufferFull || r == StopConfigurationChanged || r == StopDeviceRemoved
}

// Result describes one finished recording attempt
type Result struct {
	ID          uuid.UUID  `json:"id"`
	Destination string     `json:"destination"`
	Format      Format     `json:"format"`
	Frames      int        `json:"frames"`
	State       State      `json:"state"`
	Reason      StopReason `json:"reason"`
	Err         error      `json:"-"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   time.Time  `json:"stopped_at"`
}

// Duration is the length of audio that was persisted.
func (r Result) Duration() time.Duration {
	if r.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(r.Frames) / r.Format.SampleRate * float64(time.Second))
}

// Observer is notified of events worth exporting as metrics.
// Calls happen off the real-time path.
type Observer interface {
	TapSessionsChanged(active int)
	RecordingStarted()
	RecordingFinished(res Result)
}

type noopObserver struct{}

func (noopObserver) TapSessionsChanged(int)   {}
func (noopObserver) RecordingStarted()        {}
func (noopObserver) RecordingFinished(Result) {}

// Recorder defines the interface that all recorders must implement
type Recorder interface {
	Start(destination string) error
	Stop()
	Abort(err error)

	// Status and information
	State() State
	StopReason() StopReason
	IsRecording() bool
	HasFinished() bool
	LastResult() (Result, bool)
	Wait(ctx context.Context) (Result, error)

	// Cleanup
	Close() error
}
