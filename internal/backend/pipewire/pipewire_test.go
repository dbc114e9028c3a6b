package pipewire

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/audiolibrelab/tapcapture/internal/audio"
	"github.com/audiolibrelab/tapcapture/internal/export"
)

const pwLinkOutput = `alsa_output.pci-0000_00_1f.3.analog-stereo:monitor_FL
alsa_output.pci-0000_00_1f.3.analog-stereo:monitor_FR
bluez_output.AA_BB_CC_DD_EE_FF.1:monitor_FL
bluez_output.AA_BB_CC_DD_EE_FF.1:monitor_FR
Firefox:output_FL
Firefox:output_FR
`

func staticRunner(output string) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "pw-link" {
			return nil, errors.New("unexpected command " + name)
		}
		return []byte(output), nil
	}
}

type fakeCapture struct {
	r           *io.PipeReader
	w           *io.PipeWriter
	args        []string
	interrupted atomic.Bool
}

func (c *fakeCapture) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *fakeCapture) Interrupt() error {
	c.interrupted.Store(true)
	return c.w.Close()
}

func (c *fakeCapture) Kill() error { return c.w.Close() }

func (c *fakeCapture) Wait() error { return nil }

// write sends interleaved samples as the capture process would.
func (c *fakeCapture) write(samples []float32) error {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	_, err := c.w.Write(raw)
	return err
}

type fakeLauncher struct {
	mu       sync.Mutex
	captures []*fakeCapture
}

func (l *fakeLauncher) launch(_ context.Context, name string, args ...string) (Capture, error) {
	r, w := io.Pipe()
	c := &fakeCapture{r: r, w: w, args: append([]string{name}, args...)}
	l.mu.Lock()
	l.captures = append(l.captures, c)
	l.mu.Unlock()
	return c, nil
}

func (l *fakeLauncher) last(t *testing.T) *fakeCapture {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.captures, "no capture process launched")
	return l.captures[len(l.captures)-1]
}

func newTestPlatform(t *testing.T, cfg Config) (*Platform, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	if cfg.Runner == nil {
		cfg.Runner = staticRunner(pwLinkOutput)
	}
	cfg.Launcher = launcher.launch
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, launcher
}

// tappedAggregate builds an aggregate with a tap on the default output.
func tappedAggregate(t *testing.T, p *Platform) audio.ObjectID {
	t.Helper()
	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)
	agg, err := p.CreateAggregateDevice("test-aggregate", out)
	require.NoError(t, err)
	_, err = p.CreateProcessTap(audio.TapDescription{Name: "tap", Target: out}, agg)
	require.NoError(t, err)
	return agg
}

func TestParsePorts(t *testing.T) {
	ports := parsePorts("Output ports:\n  Firefox:output_FL \n\nsystem:capture_1\n")
	assert.Equal(t, []string{"Firefox:output_FL", "system:capture_1"}, ports)
}

func TestMonitorNodes(t *testing.T) {
	nodes := monitorNodes(parsePorts(pwLinkOutput))
	assert.Equal(t, []string{
		"alsa_output.pci-0000_00_1f.3.analog-stereo",
		"bluez_output.AA_BB_CC_DD_EE_FF.1",
	}, nodes)
}

func TestFindPortDuplicates(t *testing.T) {
	ports := []string{
		"Chrome:output_FL",
		"Chrome:output_FL",   // True duplicate - same name appears twice
		"Chrome-2:output_FL", // Different instance - NOT a duplicate
		"system:capture_1",
	}

	duplicates := findPortDuplicates("Chrome:output_FL", ports)
	assert.Len(t, duplicates, 2)
	assert.Empty(t, findPortDuplicates("Firefox:output_FL", ports))
}

func TestValidateTarget(t *testing.T) {
	ports := parsePorts(pwLinkOutput)

	assert.NoError(t, validateTarget("", ports))
	assert.NoError(t, validateTarget("bluez_output.AA_BB_CC_DD_EE_FF.1", ports))

	err := validateTarget("hdmi_output", ports)
	assert.ErrorIs(t, err, ErrUnknownObject)

	dup := append(ports, "bluez_output.AA_BB_CC_DD_EE_FF.1:monitor_FL")
	err = validateTarget("bluez_output.AA_BB_CC_DD_EE_FF.1", dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate output devices detected")
}

func TestRecordArgs(t *testing.T) {
	cfg := Config{SampleRate: 44100, Channels: 1, PeriodFrames: 256}.withDefaults()

	args := recordArgs(cfg, "")
	assert.Equal(t, "-", args[len(args)-1])
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--rate 44100")
	assert.Contains(t, joined, "--channels 1")
	assert.Contains(t, joined, "--format f32")
	assert.Contains(t, joined, "--latency 256")
	assert.Contains(t, joined, "stream.capture.sink=true")
	assert.NotContains(t, joined, "--target")

	args = recordArgs(cfg, "bluez_output.1")
	assert.Contains(t, strings.Join(args, " "), "--target bluez_output.1 -")
}

func TestNew_FailsWithoutPipeWire(t *testing.T) {
	_, err := New(Config{Runner: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("executable file not found")
	}})
	assert.ErrorContains(t, err, "failed to list PipeWire ports")
}

func TestPlatform_Devices(t *testing.T) {
	p, _ := newTestPlatform(t, Config{})

	devices, err := p.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, DefaultTarget, devices[0].UID)
	assert.True(t, devices[0].IsDefault)
	assert.Equal(t, "alsa_output.pci-0000_00_1f.3.analog-stereo", devices[1].Name)
	assert.False(t, devices[1].IsDefault)

	again, err := p.Devices()
	require.NoError(t, err)
	assert.Equal(t, devices, again, "device ids must be stable")
}

func TestPlatform_ExplicitTarget(t *testing.T) {
	p, launcher := newTestPlatform(t, Config{Target: "bluez_output.AA_BB_CC_DD_EE_FF.1"})

	devices, err := p.Devices()
	require.NoError(t, err)
	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)
	assert.Equal(t, devices[2].ID, out)
	assert.True(t, devices[2].IsDefault)

	agg := tappedAggregate(t, p)
	cb, err := p.RegisterCallback(agg, func([]float32) {})
	require.NoError(t, err)
	require.NoError(t, p.StartDevice(agg, cb))
	assert.Contains(t, strings.Join(launcher.last(t).args, " "), "--target bluez_output.AA_BB_CC_DD_EE_FF.1")
	require.NoError(t, p.StopDevice(agg, cb))

	missing, _ := newTestPlatform(t, Config{Target: "hdmi_output"})
	_, err = missing.DefaultOutputDevice()
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestPlatform_StreamDeliversBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, launcher := newTestPlatform(t, Config{Channels: 2, PeriodFrames: 4})
	agg := tappedAggregate(t, p)

	format, err := p.StreamFormat(agg)
	require.NoError(t, err)
	assert.Equal(t, audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32}, format)

	blocks := make(chan []float32, 4)
	cb, err := p.RegisterCallback(agg, func(block []float32) {
		blocks <- append([]float32(nil), block...)
	})
	require.NoError(t, err)

	require.NoError(t, p.StartDevice(agg, cb))
	require.NoError(t, p.StartDevice(agg, cb), "starting a started IOProc is a no-op")
	capture := launcher.last(t)
	assert.Equal(t, "pw-record", capture.args[0])

	want := []float32{0.5, -0.5, 0.25, -0.25, 0, 0, 1, -1}
	require.NoError(t, capture.write(want))

	select {
	case got := <-blocks:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("block not delivered")
	}

	require.NoError(t, p.StopDevice(agg, cb))
	assert.True(t, capture.interrupted.Load())
	assert.Error(t, capture.write(want), "process must be gone after StopDevice")

	require.NoError(t, p.DeregisterCallback(agg, cb))
	assert.ErrorIs(t, p.DeregisterCallback(agg, cb), ErrUnknownObject)
}

func TestPlatform_RequiresTap(t *testing.T) {
	p, _ := newTestPlatform(t, Config{})
	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)
	agg, err := p.CreateAggregateDevice("bare", out)
	require.NoError(t, err)

	assert.ErrorIs(t, p.StartDevice(agg, 1), ErrNoTap)
	_, err = p.RegisterCallback(agg, func([]float32) {})
	assert.ErrorIs(t, err, ErrNoTap)

	_, err = p.CreateAggregateDevice("bad", audio.ObjectID(999))
	assert.ErrorIs(t, err, ErrUnknownObject)
	_, err = p.CreateProcessTap(audio.TapDescription{Target: audio.ObjectID(999)}, agg)
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestPlatform_ProcessDeathNotifiesListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, launcher := newTestPlatform(t, Config{})
	agg := tappedAggregate(t, p)
	out, err := p.DefaultOutputDevice()
	require.NoError(t, err)

	notified := make(chan audio.Property, 1)
	_, err = p.Subscribe(out, []audio.Property{audio.PropertyDeviceIsAlive}, func(prop audio.Property) {
		notified <- prop
	})
	require.NoError(t, err)

	cb, err := p.RegisterCallback(agg, func([]float32) {})
	require.NoError(t, err)
	require.NoError(t, p.StartDevice(agg, cb))
	launcher.last(t).w.Close()

	select {
	case prop := <-notified:
		assert.Equal(t, audio.PropertyDeviceIsAlive, prop)
	case <-time.After(5 * time.Second):
		t.Fatal("listener not notified")
	}

	require.NoError(t, p.StopDevice(agg, cb))
	require.NoError(t, p.Close())
}

func TestPlatform_IOProcsShareCaptureProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, launcher := newTestPlatform(t, Config{Channels: 1, PeriodFrames: 2})
	agg := tappedAggregate(t, p)

	first := make(chan []float32, 4)
	second := make(chan []float32, 4)
	cbFirst, err := p.RegisterCallback(agg, func(block []float32) { first <- append([]float32(nil), block...) })
	require.NoError(t, err)
	cbSecond, err := p.RegisterCallback(agg, func(block []float32) { second <- append([]float32(nil), block...) })
	require.NoError(t, err)

	assert.ErrorIs(t, p.StartDevice(agg, 99), ErrUnknownObject)
	require.NoError(t, p.StartDevice(agg, cbFirst))
	require.NoError(t, p.StartDevice(agg, cbSecond))

	launcher.mu.Lock()
	assert.Len(t, launcher.captures, 1, "IOProcs on one device share one process")
	launcher.mu.Unlock()
	capture := launcher.last(t)

	require.NoError(t, p.StopDevice(agg, cbFirst))
	assert.False(t, capture.interrupted.Load(), "process must keep running for the remaining IOProc")

	require.NoError(t, capture.write([]float32{0.5, -0.5}))
	select {
	case got := <-second:
		assert.Equal(t, []float32{0.5, -0.5}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("block not delivered to the remaining IOProc")
	}
	assert.Empty(t, first, "stopped IOProc must not receive blocks")

	require.NoError(t, p.StopDevice(agg, cbSecond))
	assert.True(t, capture.interrupted.Load())

	require.NoError(t, p.DeregisterCallback(agg, cbFirst))
	require.NoError(t, p.DeregisterCallback(agg, cbSecond))
}

func TestPlatform_RecordingStopsWhenCaptureDies(t *testing.T) {
	p, launcher := newTestPlatform(t, Config{Channels: 2, PeriodFrames: 480})

	manager := audio.NewTapManager(p, audio.TapConfig{}, nil)
	recorder := audio.NewTapRecorder(manager, export.WAVWriter{BitDepth: 16}, audio.RecorderConfig{MaxDuration: time.Second}, nil)
	t.Cleanup(func() {
		recorder.Close()
		manager.Close()
	})

	dest := filepath.Join(t.TempDir(), "pipewire.wav")
	require.NoError(t, recorder.Start(dest))

	capture := launcher.last(t)
	require.NoError(t, capture.write(make([]float32, 480*2*2)))
	capture.w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := recorder.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, audio.StateSucceeded, res.State)
	assert.Equal(t, audio.StopDeviceRemoved, res.Reason)
	assert.Equal(t, 960, res.Frames)

	info, err := export.Inspect(dest)
	require.NoError(t, err)
	assert.Equal(t, 48000, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
}
