package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultAggregateUID names the aggregate device the tap is attached to.
const DefaultAggregateUID = "TapCapture-Aggregate-Device"

// DefaultTapName is the tap name shown by the platform.
const DefaultTapName = "tapcapture"

// TapConfig holds the fixed parameters of the shared tap
type TapConfig struct {
	AggregateUID string
	TapName      string
	Mute         MuteBehavior
	Private      bool
}

func (c TapConfig) withDefaults() TapConfig {
	if c.AggregateUID == "" {
		c.AggregateUID = DefaultAggregateUID
	}
	if c.TapName == "" {
		c.TapName = DefaultTapName
	}
	if c.Mute == "" {
		c.Mute = MuteUnmuted
	}
	return c
}

// TapManager owns the shared process tap and its aggregate device. Both exist
// exactly while at least one SessionHandle is outstanding.
type TapManager struct {
	platform Platform
	cfg      TapConfig
	observer Observer

	mu        sync.Mutex
	sessions  int
	closed    bool
	output    ObjectID
	aggregate ObjectID
	tap       ObjectID
}

// NewTapManager creates a manager bound to platform. Nothing is created on the
// platform until the first Reserve.
func NewTapManager(platform Platform, cfg TapConfig, observer Observer) *TapManager {
	if observer == nil {
		observer = noopObserver{}
	}
	return &TapManager{
		platform: platform,
		cfg:      cfg.withDefaults(),
		observer: observer,
	}
}

// Reserve claims one unit of the shared tap, building it if this is the first
// claim. Every failure is rolled back before returning.
func (m *TapManager) Reserve() (*SessionHandle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.sessions == 0 {
		if err := m.setupLocked(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}
	}
	m.sessions++
	active := m.sessions
	h := &SessionHandle{
		manager:   m,
		output:    m.output,
		aggregate: m.aggregate,
		tap:       m.tap,
	}
	m.mu.Unlock()

	m.observer.TapSessionsChanged(active)

	format, err := m.platform.StreamFormat(h.aggregate)
	if err != nil {
		slog.Warn("Failed to query tap stream format", "aggregate", h.aggregate, "error", err)
	} else {
		h.format = format
	}

	slog.Debug("Tap session reserved", "sessions", active, "tap", h.tap, "aggregate", h.aggregate, "format", h.format)
	return h, nil
}

func (m *TapManager) setupLocked() error {
	output, err := m.platform.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("finding output device: %w", err)
	}
	if output == UnknownObject {
		return ErrNoOutputDevice
	}

	desc := TapDescription{
		Name:        m.cfg.TapName,
		Target:      output,
		Mute:        m.cfg.Mute,
		Private:     m.cfg.Private,
		ExcludeSelf: true,
	}

	aggregate, found := m.platform.FindAggregateDevice(m.cfg.AggregateUID)
	if found {
		slog.Debug("Reusing existing aggregate device", "uid", m.cfg.AggregateUID, "aggregate", aggregate)
	} else {
		aggregate, err = m.platform.CreateAggregateDevice(m.cfg.AggregateUID, output)
		if err != nil {
			return fmt.Errorf("creating aggregate device %q: %w", m.cfg.AggregateUID, err)
		}
	}

	tap, err := m.platform.CreateProcessTap(desc, aggregate)
	if err != nil {
		if derr := m.platform.DestroyAggregateDevice(aggregate); derr != nil {
			slog.Warn("Failed to roll back aggregate device", "aggregate", aggregate, "error", derr)
		}
		return fmt.Errorf("creating process tap: %w", err)
	}

	m.output, m.aggregate, m.tap = output, aggregate, tap
	slog.Info("Created system audio tap", "output", output, "aggregate", aggregate, "tap", tap, "mute", desc.Mute)
	return nil
}

// release returns one reservation. Only SessionHandle calls it.
func (m *TapManager) release() {
	m.mu.Lock()
	if m.sessions == 0 {
		m.mu.Unlock()
		slog.Error("Tap session released with no active sessions")
		return
	}
	m.sessions--
	active := m.sessions
	if active == 0 {
		m.teardownLocked()
	}
	m.mu.Unlock()

	m.observer.TapSessionsChanged(active)
	slog.Debug("Tap session released", "sessions", active)
}

func (m *TapManager) teardownLocked() {
	var errs []error
	if m.tap != UnknownObject {
		if err := m.platform.DestroyProcessTap(m.tap); err != nil {
			errs = append(errs, fmt.Errorf("destroying process tap %d: %w", m.tap, err))
		}
	}
	if m.aggregate != UnknownObject {
		if err := m.platform.DestroyAggregateDevice(m.aggregate); err != nil {
			errs = append(errs, fmt.Errorf("destroying aggregate device %d: %w", m.aggregate, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Tap teardown incomplete", "error", err)
	} else {
		slog.Info("Destroyed system audio tap", "tap", m.tap, "aggregate", m.aggregate)
	}
	m.output, m.aggregate, m.tap = UnknownObject, UnknownObject, UnknownObject
}

// Sessions returns the number of outstanding reservations.
func (m *TapManager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Close refuses new reservations. It fails while sessions are still active.
func (m *TapManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if m.sessions > 0 {
		return fmt.Errorf("%w: %d", ErrSessionsActive, m.sessions)
	}
	m.closed = true
	return nil
}
