package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/audiolibrelab/tapcapture/internal/audio"
	"github.com/audiolibrelab/tapcapture/internal/backend"
	"github.com/audiolibrelab/tapcapture/internal/config"
	"github.com/audiolibrelab/tapcapture/internal/export"
	"github.com/audiolibrelab/tapcapture/internal/play"
)

var (
	ErrInvalidName      = errors.New("recording name is empty after cleaning")
	ErrRecordingExists  = errors.New("recording already exists")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrRecordingRunning = errors.New("a recording is in progress")
)

// Service represents the core TapCapture service interface
type Service interface {
	// Recording operations
	StartRecording(name string) (*RecordingSession, error)
	StopRecording() error
	WaitRecording(ctx context.Context) (*ResultInfo, error)
	GetRecordingStatus() Status

	// Playback operations
	Play(ctx context.Context, name string) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	GetRecordingInfo(name string) (*RecordingInfo, error)
	ListRecordings() ([]export.RecordingInfo, error)
	ListDevices() ([]audio.DeviceInfo, error)
	GetLastError() string

	Close() error
}

// RecordingSession contains information about the current recording session
type RecordingSession struct {
	Name       string    `json:"name"`
	CleanName  string    `json:"clean_name"`
	OutputFile string    `json:"output_file"`
	StartTime  time.Time `json:"start_time"`
}

// ResultInfo is a finished recording as reported to clients.
type ResultInfo struct {
	audio.Result
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func newResultInfo(res audio.Result) *ResultInfo {
	info := &ResultInfo{Result: res, DurationSeconds: res.Duration().Seconds()}
	if res.Err != nil {
		info.Error = res.Err.Error()
	}
	return info
}

// Status is a snapshot of the recorder.
type Status struct {
	State       audio.State       `json:"state"`
	StopReason  audio.StopReason  `json:"stop_reason"`
	Session     *RecordingSession `json:"session,omitempty"`
	LastResult  *ResultInfo       `json:"last_result,omitempty"`
	TapSessions int               `json:"tap_sessions"`
	LastError   string            `json:"last_error,omitempty"`
}

// RecordingInfo contains file path information for a recording name
type RecordingInfo struct {
	CleanName string                `json:"clean_name"`
	Output    string                `json:"output"`
	Exists    bool                  `json:"exists"`
	File      *export.RecordingInfo `json:"file,omitempty"`
}

// Option customizes a TapCaptureService.
type Option func(*TapCaptureService)

// WithPlatform makes the service use platform instead of building one from
// the configuration. The caller keeps ownership of platform.
func WithPlatform(platform audio.Platform) Option {
	return func(s *TapCaptureService) {
		s.platform = platform
		s.ownsPlatform = false
	}
}

// WithObserver receives tap and recording events, typically metrics.
func WithObserver(observer audio.Observer) Option {
	return func(s *TapCaptureService) {
		s.observer = observer
	}
}

// TapCaptureService is the main service implementation
type TapCaptureService struct {
	cfg          *config.Config
	configFile   string
	platform     audio.Platform
	ownsPlatform bool
	observer     audio.Observer

	mu       sync.Mutex
	manager  *audio.TapManager
	recorder *audio.TapRecorder
	session  *RecordingSession
	waiters  conc.WaitGroup
	closed   bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*TapCaptureService)(nil)

// New creates a new TapCapture service instance
func New(cfg *config.Config, configFile string, opts ...Option) (*TapCaptureService, error) {
	s := &TapCaptureService{
		cfg:          cfg,
		configFile:   configFile,
		ownsPlatform: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.platform == nil {
		platform, err := backend.New(cfg)
		if err != nil {
			return nil, err
		}
		s.platform = platform
	}

	s.build()
	return s, nil
}

// build wires the tap manager and recorder for the current configuration.
func (s *TapCaptureService) build() {
	s.manager = audio.NewTapManager(s.platform, s.cfg.TapConfig(), s.observer)
	s.recorder = audio.NewTapRecorder(
		s.manager,
		export.WAVWriter{BitDepth: s.cfg.Output.BitDepth},
		audio.RecorderConfig{MaxDuration: s.cfg.MaxDuration()},
		s.observer,
	)
	s.session = nil
}

// StartRecording starts capturing system audio into the recording called name
func (s *TapCaptureService) StartRecording(name string) (*RecordingSession, error) {
	slog.Debug("Service.StartRecording called", "name", name)
	s.clearLastError()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, audio.ErrRecorderClosed
	}

	cleanName := export.CleanFileName(name)
	if cleanName == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	output := export.RecordingPath(s.cfg.Output.Directory, name)
	if _, err := os.Stat(output); err == nil {
		err = fmt.Errorf("%w: %s", ErrRecordingExists, output)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	attempt, err := s.recorder.Begin(output)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	session := &RecordingSession{
		Name:       name,
		CleanName:  cleanName,
		OutputFile: output,
		StartTime:  time.Now(),
	}
	s.session = session

	s.waiters.Go(func() { s.awaitResult(attempt) })

	return session, nil
}

// awaitResult records the outcome of attempt.
func (s *TapCaptureService) awaitResult(attempt *audio.Attempt) {
	res, _ := attempt.Wait(context.Background())
	if res.Err != nil {
		s.setLastError(fmt.Sprintf("Recording failed: %v", res.Err))
		return
	}
	slog.Info("Recording saved",
		"file", res.Destination,
		"duration", res.Duration(),
		"reason", res.Reason)
}

// StopRecording stops the current recording session
func (s *TapCaptureService) StopRecording() error {
	s.mu.Lock()
	recorder := s.recorder
	s.mu.Unlock()

	if state := recorder.State(); state != audio.StateStarting && state != audio.StateRecording {
		return fmt.Errorf("%w (state %s)", ErrNotRecording, state)
	}
	recorder.Stop()
	return nil
}

// WaitRecording blocks until the current recording is finished and persisted
func (s *TapCaptureService) WaitRecording(ctx context.Context) (*ResultInfo, error) {
	s.mu.Lock()
	recorder := s.recorder
	s.mu.Unlock()

	res, err := recorder.Wait(ctx)
	if res.ID == uuid.Nil {
		return nil, err
	}
	return newResultInfo(res), err
}

// GetRecordingStatus returns a snapshot of the recorder state
func (s *TapCaptureService) GetRecordingStatus() Status {
	s.mu.Lock()
	recorder, manager, session := s.recorder, s.manager, s.session
	s.mu.Unlock()

	status := Status{
		State:       recorder.State(),
		StopReason:  recorder.StopReason(),
		TapSessions: manager.Sessions(),
		LastError:   s.GetLastError(),
	}
	if recorder.IsRecording() || status.State == audio.StateStarting {
		status.Session = session
	}
	if res, ok := recorder.LastResult(); ok {
		status.LastResult = newResultInfo(res)
	}
	return status
}

// Play plays a finished recording with an external player
func (s *TapCaptureService) Play(ctx context.Context, name string) error {
	player := play.New(s.GetConfig().Output.Directory)
	return player.Play(ctx, name)
}

// LoadProfile loads a new configuration profile. It is refused while a
// recording is in progress.
func (s *TapCaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audio.ErrRecorderClosed
	}
	if st := s.recorder.State(); !st.Startable() {
		return fmt.Errorf("%w: cannot switch profile while %s", ErrRecordingRunning, st)
	}

	if err := s.teardownLocked(); err != nil {
		return err
	}

	if s.ownsPlatform && backend.Determine(newCfg) != backend.Determine(s.cfg) {
		platform, err := backend.New(newCfg)
		if err != nil {
			s.build()
			return err
		}
		if err := s.platform.Close(); err != nil {
			slog.Warn("Failed to close previous audio backend", "error", err)
		}
		s.platform = platform
	}

	s.cfg = newCfg
	s.build()
	slog.Info("Configuration profile loaded", "profile", profile)
	return nil
}

func (s *TapCaptureService) teardownLocked() error {
	if err := s.recorder.Close(); err != nil {
		return err
	}
	s.waiters.Wait()
	return s.manager.Close()
}

// GetConfig returns the current configuration
func (s *TapCaptureService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// GetRecordingInfo returns file path information for a recording name
func (s *TapCaptureService) GetRecordingInfo(name string) (*RecordingInfo, error) {
	cleanName := export.CleanFileName(name)
	if cleanName == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	info := &RecordingInfo{
		CleanName: cleanName,
		Output:    export.RecordingPath(s.GetConfig().Output.Directory, name),
	}

	file, err := export.Inspect(info.Output)
	switch {
	case err == nil:
		info.Exists = true
		info.File = &file
	case !errors.Is(err, export.ErrNotFound):
		return nil, err
	}
	return info, nil
}

// ListRecordings returns the recordings in the output directory
func (s *TapCaptureService) ListRecordings() ([]export.RecordingInfo, error) {
	return export.ListRecordings(s.GetConfig().Output.Directory)
}

// ListDevices returns the output devices the backend can tap
func (s *TapCaptureService) ListDevices() ([]audio.DeviceInfo, error) {
	s.mu.Lock()
	platform := s.platform
	s.mu.Unlock()
	return platform.Devices()
}

// Close stops any recording, waits for it to be saved and releases the backend
func (s *TapCaptureService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.teardownLocked()
	if s.ownsPlatform {
		err = errors.Join(err, s.platform.Close())
	}
	return err
}

// GetLastError returns the last error message (thread-safe)
func (s *TapCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *TapCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *TapCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
