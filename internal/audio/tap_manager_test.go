package audio_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/tapcapture/internal/audio"
	"github.com/audiolibrelab/tapcapture/internal/backend/simulated"
)

type sessionCounter struct {
	mu      sync.Mutex
	history []int
}

func (c *sessionCounter) TapSessionsChanged(active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, active)
}

func (c *sessionCounter) RecordingStarted() {}

func (c *sessionCounter) RecordingFinished(audio.Result) {}

func newManualPlatform() *simulated.Platform {
	return simulated.New(simulated.Config{SampleRate: 48000, Channels: 2, Manual: true})
}

func TestTapManager_CreatesOnFirstReserveDestroysOnLastRelease(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)

	first, err := m.Reserve()
	require.NoError(t, err)
	second, err := m.Reserve()
	require.NoError(t, err)

	assert.Equal(t, 2, m.Sessions())
	assert.Equal(t, first.TapID(), second.TapID())
	assert.Equal(t, first.AggregateDeviceID(), second.AggregateDeviceID())
	assert.Equal(t, p.OutputDevice(), first.OutputDeviceID())
	assert.Equal(t, audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32}, first.Format())
	assert.Equal(t, 1, p.Stats().TapsCreated)

	first.Release()
	assert.Equal(t, 1, p.LiveTaps(), "tap must survive while a session is active")

	second.Release()
	assert.Zero(t, p.LiveTaps())
	assert.True(t, p.Stats().Balanced())
	assert.Zero(t, m.Sessions())
}

func TestTapManager_ReleaseIsIdempotent(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)

	a, err := m.Reserve()
	require.NoError(t, err)
	b, err := m.Reserve()
	require.NoError(t, err)

	a.Release()
	a.Release()
	a.Release()

	assert.Equal(t, 1, m.Sessions())
	assert.True(t, b.Valid())
	assert.False(t, a.Valid())

	b.Release()
	assert.Zero(t, m.Sessions())
}

func TestTapManager_ConcurrentReserveRelease(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	obs := &sessionCounter{}
	m := audio.NewTapManager(p, audio.TapConfig{}, obs)

	// Hold one session so the concurrent pairs share a single tap.
	anchor, err := m.Reserve()
	require.NoError(t, err)

	const workers = 64
	var failures atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Go(func() {
			h, err := m.Reserve()
			if err != nil {
				failures.Add(1)
				return
			}
			h.Release()
		})
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, p.Stats().AggregatesCreated)
	assert.Equal(t, 1, p.Stats().TapsCreated)
	assert.Zero(t, p.Stats().TapsDestroyed)

	anchor.Release()

	stats := p.Stats()
	assert.Equal(t, 1, stats.TapsDestroyed)
	assert.Equal(t, 1, stats.AggregatesDestroyed)
	assert.True(t, stats.Balanced())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	for _, n := range obs.history {
		assert.GreaterOrEqual(t, n, 0)
	}
}

func TestTapManager_ConcurrentPairsBalance(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)

	var wg conc.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Go(func() {
			for j := 0; j < 20; j++ {
				h, err := m.Reserve()
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				h.Release()
			}
		})
	}
	wg.Wait()

	stats := p.Stats()
	assert.Zero(t, m.Sessions())
	assert.Zero(t, p.LiveTaps())
	assert.Equal(t, stats.TapsCreated, stats.TapsDestroyed)
	assert.Equal(t, stats.AggregatesCreated, stats.AggregatesDestroyed)
}

func TestTapManager_SetupRollback(t *testing.T) {
	errTap := errors.New("tap refused")
	errAgg := errors.New("aggregate refused")

	tests := []struct {
		name   string
		faults simulated.Faults
		target error
	}{
		{"no output device", simulated.Faults{NoOutputDevice: true}, audio.ErrNoOutputDevice},
		{"aggregate creation fails", simulated.Faults{CreateAggregate: errAgg}, errAgg},
		{"tap creation fails", simulated.Faults{CreateTap: errTap}, errTap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newManualPlatform()
			defer p.Close()
			p.SetFaults(tt.faults)
			m := audio.NewTapManager(p, audio.TapConfig{}, nil)

			h, err := m.Reserve()
			require.Error(t, err)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, audio.ErrSetupFailed)
			assert.ErrorIs(t, err, tt.target)
			assert.Zero(t, m.Sessions())
			assert.True(t, p.Stats().Balanced(), "rollback must leave no platform objects: %+v", p.Stats())

			p.SetFaults(simulated.Faults{})
			h, err = m.Reserve()
			require.NoError(t, err, "a later reserve must retry setup")
			h.Release()
		})
	}
}

func TestTapManager_ReusesExistingAggregate(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()

	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)
	existing, err := p.CreateAggregateDevice(audio.DefaultAggregateUID, out)
	require.NoError(t, err)

	m := audio.NewTapManager(p, audio.TapConfig{}, nil)
	h, err := m.Reserve()
	require.NoError(t, err)
	assert.Equal(t, existing, h.AggregateDeviceID())
	assert.Equal(t, 1, p.Stats().AggregatesCreated)

	h.Release()
	assert.Equal(t, 1, p.Stats().AggregatesDestroyed)
}

func TestTapManager_Close(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)

	h, err := m.Reserve()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Close(), audio.ErrSessionsActive)

	h.Release()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Reserve()
	assert.ErrorIs(t, err, audio.ErrManagerClosed)
}

func TestSessionHandle_PropertyListener(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)

	h, err := m.Reserve()
	require.NoError(t, err)

	var got []audio.PropertyChangeReason
	handler := func(r audio.PropertyChangeReason) { got = append(got, r) }

	require.NoError(t, h.RegisterPropertyListener(handler))
	require.NoError(t, h.RegisterPropertyListener(handler))
	assert.Equal(t, 1, p.Stats().Subscriptions, "second registration must be a no-op")

	p.NotifyPropertyChange(h.OutputDeviceID(), audio.PropertyStreamFormat)
	p.NotifyPropertyChange(h.OutputDeviceID(), audio.PropertyStreamConfiguration)
	p.NotifyPropertyChange(h.OutputDeviceID(), audio.PropertyDeviceIsAlive)

	assert.Equal(t, []audio.PropertyChangeReason{
		audio.StreamFormatChanged,
		audio.StreamConfigurationChanged,
		audio.DeviceIsAliveChanged,
	}, got)

	h.UnregisterPropertyListener()
	h.UnregisterPropertyListener()
	assert.Equal(t, 1, p.Stats().Unsubscriptions)
	assert.Zero(t, p.NotifyPropertyChange(h.OutputDeviceID(), audio.PropertyDeviceIsAlive))

	require.NoError(t, h.RegisterPropertyListener(handler))
	h.Release()
	assert.True(t, p.Stats().Balanced(), "release must unregister first: %+v", p.Stats())
	assert.ErrorIs(t, h.RegisterPropertyListener(handler), audio.ErrSessionReleased)
}

func TestPropertyChangeReason_StopReason(t *testing.T) {
	assert.Equal(t, audio.StopConfigurationChanged, audio.StreamFormatChanged.StopReason())
	assert.Equal(t, audio.StopConfigurationChanged, audio.StreamConfigurationChanged.StopReason())
	assert.Equal(t, audio.StopDeviceRemoved, audio.DeviceIsAliveChanged.StopReason())
}

func TestCallbackHandle_StartFailureDeregisters(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)
	h, err := m.Reserve()
	require.NoError(t, err)
	defer h.Release()

	p.SetFaults(simulated.Faults{StartDevice: errors.New("device busy")})
	cb, err := audio.NewCallbackHandle(p, h.AggregateDeviceID(), &countingConsumer{})
	require.Error(t, err)
	assert.Nil(t, cb)

	stats := p.Stats()
	assert.Equal(t, 1, stats.CallbacksRegistered)
	assert.Equal(t, 1, stats.CallbacksDeregistered)
}

func TestCallbackHandle_CloseStopsDelivery(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)
	h, err := m.Reserve()
	require.NoError(t, err)
	defer h.Release()

	consumer := &countingConsumer{}
	cb, err := audio.NewCallbackHandle(p, h.AggregateDeviceID(), consumer)
	require.NoError(t, err)
	assert.Same(t, consumer, cb.Consumer())

	assert.Equal(t, 960, p.Pump(h.AggregateDeviceID(), 960))
	assert.Equal(t, int64(960*2), consumer.samples.Load())

	require.NoError(t, cb.Close())
	require.NoError(t, cb.Close())
	assert.Zero(t, p.Pump(h.AggregateDeviceID(), 480))
	assert.Equal(t, int64(960*2), consumer.samples.Load())

	stats := p.Stats()
	assert.Equal(t, stats.DevicesStarted, stats.DevicesStopped)
	assert.Equal(t, stats.CallbacksRegistered, stats.CallbacksDeregistered)
}

func TestCallbackHandle_IndependentOnSharedDevice(t *testing.T) {
	p := newManualPlatform()
	defer p.Close()
	m := audio.NewTapManager(p, audio.TapConfig{}, nil)
	first, err := m.Reserve()
	require.NoError(t, err)
	defer first.Release()
	second, err := m.Reserve()
	require.NoError(t, err)
	defer second.Release()
	require.Equal(t, first.AggregateDeviceID(), second.AggregateDeviceID())
	device := first.AggregateDeviceID()

	a, b := &countingConsumer{}, &countingConsumer{}
	cbA, err := audio.NewCallbackHandle(p, device, a)
	require.NoError(t, err)
	cbB, err := audio.NewCallbackHandle(p, device, b)
	require.NoError(t, err)

	assert.Equal(t, 480, p.Pump(device, 480))
	require.NoError(t, cbA.Close())
	assert.Equal(t, 480, p.Pump(device, 480), "closing one handle must not stop the device")

	assert.Equal(t, int64(480*2), a.samples.Load())
	assert.Equal(t, int64(960*2), b.samples.Load())

	require.NoError(t, cbB.Close())
	assert.Zero(t, p.Pump(device, 480))

	stats := p.Stats()
	assert.Equal(t, 1, stats.DevicesStarted)
	assert.Equal(t, 1, stats.DevicesStopped)
}

type countingConsumer struct {
	samples atomic.Int64
}

func (c *countingConsumer) Consume(samples []float32) {
	c.samples.Add(int64(len(samples)))
}
