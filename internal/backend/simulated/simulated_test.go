package simulated

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

func newAggregate(t *testing.T, p *Platform) audio.ObjectID {
	t.Helper()
	agg, err := p.CreateAggregateDevice("test-aggregate", p.OutputDevice())
	require.NoError(t, err)
	return agg
}

func TestPlatform_Defaults(t *testing.T) {
	p := New(Config{})

	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)
	assert.Equal(t, p.OutputDevice(), out)

	format, err := p.StreamFormat(out)
	require.NoError(t, err)
	assert.Equal(t, audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32}, format)

	devices, err := p.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Simulated Output", devices[0].Name)
	assert.True(t, devices[0].IsDefault)
}

func TestPlatform_TapLifecycleBalances(t *testing.T) {
	p := New(Config{Manual: true})
	agg := newAggregate(t, p)

	found, ok := p.FindAggregateDevice("test-aggregate")
	require.True(t, ok)
	assert.Equal(t, agg, found)

	tap, err := p.CreateProcessTap(audio.TapDescription{Name: "tap", Target: p.OutputDevice()}, agg)
	require.NoError(t, err)
	assert.Equal(t, 1, p.LiveTaps())

	cb, err := p.RegisterCallback(agg, func([]float32) {})
	require.NoError(t, err)
	require.NoError(t, p.StartDevice(agg, cb))
	require.NoError(t, p.StartDevice(agg, cb), "starting a started IOProc is a no-op")

	sub, err := p.Subscribe(agg, []audio.Property{audio.PropertyStreamFormat}, func(audio.Property) {})
	require.NoError(t, err)

	assert.False(t, p.Stats().Balanced())

	require.NoError(t, p.Unsubscribe(sub))
	require.NoError(t, p.StopDevice(agg, cb))
	require.NoError(t, p.DeregisterCallback(agg, cb))
	require.NoError(t, p.DestroyProcessTap(tap))
	require.NoError(t, p.DestroyAggregateDevice(agg))

	stats := p.Stats()
	assert.True(t, stats.Balanced(), "stats: %+v", stats)
	assert.Equal(t, 1, stats.DevicesStarted)
	assert.Equal(t, 0, p.LiveTaps())

	_, ok = p.FindAggregateDevice("test-aggregate")
	assert.False(t, ok)
}

func TestPlatform_UnknownObjects(t *testing.T) {
	p := New(Config{Manual: true})

	_, err := p.CreateAggregateDevice("x", audio.ObjectID(999))
	assert.ErrorIs(t, err, ErrUnknownDevice)

	assert.ErrorIs(t, p.DestroyAggregateDevice(audio.ObjectID(999)), ErrUnknownDevice)
	assert.ErrorIs(t, p.DestroyProcessTap(audio.ObjectID(999)), ErrUnknownTap)

	agg := newAggregate(t, p)
	assert.ErrorIs(t, p.DeregisterCallback(agg, 42), ErrUnknownCallback)
	assert.ErrorIs(t, p.StartDevice(agg, 42), ErrUnknownCallback)

	_, err = p.CreateProcessTap(audio.TapDescription{Target: audio.ObjectID(999)}, agg)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = p.StreamFormat(audio.ObjectID(999))
	assert.ErrorIs(t, err, ErrUnknownDevice)

	assert.Error(t, p.Unsubscribe(7))
}

func TestPlatform_Faults(t *testing.T) {
	p := New(Config{Manual: true})
	boom := errors.New("boom")

	p.SetFaults(Faults{NoOutputDevice: true, ZeroSampleRate: true})
	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)
	assert.Equal(t, audio.UnknownObject, out)
	format, err := p.StreamFormat(p.OutputDevice())
	require.NoError(t, err)
	assert.False(t, format.Valid())

	p.SetFaults(Faults{CreateAggregate: boom})
	_, err = p.CreateAggregateDevice("x", p.OutputDevice())
	assert.ErrorIs(t, err, boom)

	p.SetFaults(Faults{})
	agg := newAggregate(t, p)

	tests := []struct {
		name   string
		faults Faults
		call   func() error
	}{
		{"create tap", Faults{CreateTap: boom}, func() error {
			_, err := p.CreateProcessTap(audio.TapDescription{Target: p.OutputDevice()}, agg)
			return err
		}},
		{"register callback", Faults{RegisterCallback: boom}, func() error {
			_, err := p.RegisterCallback(agg, func([]float32) {})
			return err
		}},
		{"start device", Faults{StartDevice: boom}, func() error {
			return p.StartDevice(agg, 1)
		}},
		{"subscribe", Faults{Subscribe: boom}, func() error {
			_, err := p.Subscribe(agg, nil, func(audio.Property) {})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.SetFaults(tt.faults)
			defer p.SetFaults(Faults{})
			assert.ErrorIs(t, tt.call(), boom)
		})
	}

	assert.Equal(t, Stats{AggregatesCreated: 1}, p.Stats())
}

func TestPlatform_PumpDeliversSignal(t *testing.T) {
	p := New(Config{Manual: true, Signal: SignalSine, PeriodFrames: 100, Channels: 2})
	agg := newAggregate(t, p)

	var blocks, samples int
	var peak float32
	cb, err := p.RegisterCallback(agg, func(block []float32) {
		blocks++
		samples += len(block)
		for _, s := range block {
			peak = max(peak, s)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, 0, p.Pump(agg, 250), "stopped device must not deliver")

	require.NoError(t, p.StartDevice(agg, cb))
	assert.Equal(t, 250, p.Pump(agg, 250))
	assert.Equal(t, 3, blocks)
	assert.Equal(t, 500, samples)
	assert.InDelta(t, sineAmplitude, peak, 0.01)

	assert.True(t, p.Deliver(agg, make([]float32, 3)))
	assert.Equal(t, 4, blocks)

	require.NoError(t, p.StopDevice(agg, cb))
	assert.False(t, p.Deliver(agg, make([]float32, 2)))
	assert.Equal(t, 0, p.Pump(audio.ObjectID(999), 10))
}

func TestPlatform_SilenceSignal(t *testing.T) {
	p := New(Config{Manual: true})
	agg := newAggregate(t, p)

	var nonZero int
	cb, err := p.RegisterCallback(agg, func(block []float32) {
		for _, s := range block {
			if s != 0 {
				nonZero++
			}
		}
	})
	require.NoError(t, err)
	require.NoError(t, p.StartDevice(agg, cb))

	assert.Equal(t, 960, p.Pump(agg, 960))
	assert.Zero(t, nonZero)
}

func TestPlatform_NotifyPropertyChange(t *testing.T) {
	p := New(Config{Manual: true})
	agg := newAggregate(t, p)

	var got []audio.Property
	sub, err := p.Subscribe(agg, []audio.Property{audio.PropertyStreamFormat, audio.PropertyDeviceIsAlive},
		func(prop audio.Property) { got = append(got, prop) })
	require.NoError(t, err)

	assert.Equal(t, 1, p.NotifyPropertyChange(agg, audio.PropertyDeviceIsAlive))
	assert.Equal(t, 0, p.NotifyPropertyChange(agg, audio.PropertyStreamConfiguration))
	assert.Equal(t, 0, p.NotifyPropertyChange(p.OutputDevice(), audio.PropertyDeviceIsAlive))
	assert.Equal(t, []audio.Property{audio.PropertyDeviceIsAlive}, got)

	require.NoError(t, p.Unsubscribe(sub))
	assert.Equal(t, 0, p.NotifyPropertyChange(agg, audio.PropertyDeviceIsAlive))
}

func TestPlatform_RealtimeStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(Config{PeriodFrames: 48})
	agg := newAggregate(t, p)

	var delivered atomic.Int64
	cb, err := p.RegisterCallback(agg, func(block []float32) {
		delivered.Add(int64(len(block) / 2))
	})
	require.NoError(t, err)
	require.NoError(t, p.StartDevice(agg, cb))

	require.Eventually(t, func() bool { return delivered.Load() >= 480 },
		5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.StopDevice(agg, cb))
	after := delivered.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, delivered.Load(), "no block may arrive after StopDevice returns")

	require.NoError(t, p.DeregisterCallback(agg, cb))
	require.NoError(t, p.DestroyAggregateDevice(agg))
}

func TestPlatform_CloseHaltsDevices(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(Config{PeriodFrames: 48})
	agg := newAggregate(t, p)
	cb, err := p.RegisterCallback(agg, func([]float32) {})
	require.NoError(t, err)
	require.NoError(t, p.StartDevice(agg, cb))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	stats := p.Stats()
	assert.Equal(t, 1, stats.DevicesStarted)
	assert.Equal(t, 1, stats.DevicesStopped)
	assert.False(t, p.Deliver(agg, make([]float32, 2)))
}

func TestPlatform_IOProcsStartIndependently(t *testing.T) {
	p := New(Config{Manual: true, PeriodFrames: 10, Channels: 1})
	agg := newAggregate(t, p)

	var first, second int
	cbFirst, err := p.RegisterCallback(agg, func(block []float32) { first += len(block) })
	require.NoError(t, err)
	cbSecond, err := p.RegisterCallback(agg, func(block []float32) { second += len(block) })
	require.NoError(t, err)

	require.NoError(t, p.StartDevice(agg, cbFirst))
	assert.Equal(t, 10, p.Pump(agg, 10))
	assert.Equal(t, 10, first)
	assert.Zero(t, second, "registered but unstarted IOProc must not receive blocks")

	require.NoError(t, p.StartDevice(agg, cbSecond))
	assert.Equal(t, 10, p.Pump(agg, 10))
	assert.Equal(t, 20, first)
	assert.Equal(t, 10, second)

	require.NoError(t, p.StopDevice(agg, cbFirst))
	assert.Equal(t, 10, p.Pump(agg, 10), "device keeps running for the remaining IOProc")
	assert.Equal(t, 20, first)
	assert.Equal(t, 20, second)

	require.NoError(t, p.StopDevice(agg, cbSecond))
	assert.Zero(t, p.Pump(agg, 10))

	require.NoError(t, p.DeregisterCallback(agg, cbFirst))
	require.NoError(t, p.DeregisterCallback(agg, cbSecond))
	stats := p.Stats()
	assert.Equal(t, 1, stats.DevicesStarted)
	assert.Equal(t, 1, stats.DevicesStopped)
}
