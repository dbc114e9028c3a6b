// Package miniaudio implements audio.Platform on top of miniaudio (malgo).
//
// miniaudio has no process taps or aggregate devices, so both are emulated:
// an aggregate is a bookkeeping record bound to an output device, and the
// tap is a capture device reading that output. On Windows the capture uses
// WASAPI loopback on the output itself; elsewhere it opens the output's
// monitor source ("Monitor of <name>") when the host exposes one.
package miniaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

var (
	ErrUnknownObject    = errors.New("unknown audio object")
	ErrNoMonitorSource  = errors.New("no monitor source for output device")
	ErrPropertyNotKnown = errors.New("property not supported by miniaudio backend")
)

// Config selects the miniaudio context
type Config struct {
	// Backend forces a miniaudio backend by name (wasapi, coreaudio,
	// pulseaudio, alsa). Empty picks one for the running OS.
	Backend string

	// Trace forwards miniaudio's own log lines to slog at debug level.
	Trace bool
}

type outputDevice struct {
	id   audio.ObjectID
	info malgo.DeviceInfo
}

type aggregateDevice struct {
	id     audio.ObjectID
	uid    string
	output audio.ObjectID

	tap    audio.ObjectID
	device *malgo.Device

	ctl     sync.Mutex // serializes device start and stop
	ioMu    sync.Mutex // held while a block is delivered
	procs   map[audio.CallbackID]audio.IOProc
	started map[audio.CallbackID]bool
	running atomic.Bool
	halting atomic.Bool
}

func (a *aggregateDevice) deliver(samples []float32) {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	for id := range a.started {
		a.procs[id](samples)
	}
}

type subscription struct {
	device   audio.ObjectID
	props    []audio.Property
	listener audio.PropertyListener
}

// Platform is an audio.Platform backed by a malgo context.
type Platform struct {
	ctx *malgo.AllocatedContext

	mu         sync.Mutex
	nextID     uint32
	nextCB     audio.CallbackID
	nextSub    audio.SubscriptionID
	outputs    map[string]*outputDevice // by miniaudio device ID
	aggregates map[audio.ObjectID]*aggregateDevice
	taps       map[audio.ObjectID]audio.ObjectID
	subs       map[audio.SubscriptionID]*subscription
	closed     bool
}

var _ audio.Platform = (*Platform)(nil)

// New initializes a miniaudio context.
func New(cfg Config) (*Platform, error) {
	backend, err := selectBackend(cfg.Backend, runtime.GOOS)
	if err != nil {
		return nil, err
	}

	var backends []malgo.Backend
	if backend != malgo.BackendNull {
		backends = []malgo.Backend{backend}
	}

	ctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		if cfg.Trace {
			slog.Debug("miniaudio", "message", strings.TrimSpace(message))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	slog.Debug("Initialized miniaudio context", "backend", backendName(backend))
	return &Platform{
		ctx:        ctx,
		outputs:    make(map[string]*outputDevice),
		aggregates: make(map[audio.ObjectID]*aggregateDevice),
		taps:       make(map[audio.ObjectID]audio.ObjectID),
		subs:       make(map[audio.SubscriptionID]*subscription),
	}, nil
}

// selectBackend maps a configured name, or the OS when name is empty, to a
// miniaudio backend. BackendNull means let miniaudio choose.
func selectBackend(name, goos string) (malgo.Backend, error) {
	switch strings.ToLower(name) {
	case "":
	case "wasapi":
		return malgo.BackendWasapi, nil
	case "coreaudio":
		return malgo.BackendCoreaudio, nil
	case "pulseaudio", "pulse":
		return malgo.BackendPulseaudio, nil
	case "alsa":
		return malgo.BackendAlsa, nil
	default:
		return malgo.BackendNull, fmt.Errorf("unknown miniaudio backend %q", name)
	}

	switch goos {
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	case "linux":
		// ALSA exposes no monitor sources
		return malgo.BackendPulseaudio, nil
	default:
		return malgo.BackendNull, nil
	}
}

func backendName(b malgo.Backend) string {
	switch b {
	case malgo.BackendWasapi:
		return "wasapi"
	case malgo.BackendCoreaudio:
		return "coreaudio"
	case malgo.BackendPulseaudio:
		return "pulseaudio"
	case malgo.BackendAlsa:
		return "alsa"
	default:
		return "auto"
	}
}

func (p *Platform) newIDLocked() audio.ObjectID {
	p.nextID++
	return audio.ObjectID(p.nextID)
}

// refreshOutputsLocked re-enumerates playback devices, keeping the ids of
// devices already seen.
func (p *Platform) refreshOutputsLocked() ([]*outputDevice, error) {
	infos, err := p.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
	}

	devices := make([]*outputDevice, 0, len(infos))
	for _, info := range infos {
		key := info.ID.String()
		dev, ok := p.outputs[key]
		if !ok {
			dev = &outputDevice{id: p.newIDLocked()}
			p.outputs[key] = dev
		}
		dev.info = info
		devices = append(devices, dev)
	}
	return devices, nil
}

func (p *Platform) outputByIDLocked(id audio.ObjectID) (*outputDevice, bool) {
	for _, dev := range p.outputs {
		if dev.id == id {
			return dev, true
		}
	}
	return nil, false
}

func (p *Platform) DefaultOutputDevice() (audio.ObjectID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, err := p.refreshOutputsLocked()
	if err != nil {
		return audio.UnknownObject, err
	}
	for _, dev := range devices {
		if dev.info.IsDefault == 1 {
			return dev.id, nil
		}
	}
	if len(devices) > 0 {
		return devices[0].id, nil
	}
	return audio.UnknownObject, nil
}

func (p *Platform) Devices() ([]audio.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, err := p.refreshOutputsLocked()
	if err != nil {
		return nil, err
	}
	out := make([]audio.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		out = append(out, audio.DeviceInfo{
			ID:        dev.id,
			Name:      dev.info.Name(),
			UID:       dev.info.ID.String(),
			IsDefault: dev.info.IsDefault == 1,
		})
	}
	return out, nil
}

func (p *Platform) FindAggregateDevice(uid string) (audio.ObjectID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, agg := range p.aggregates {
		if agg.uid == uid {
			return id, true
		}
	}
	return audio.UnknownObject, false
}

func (p *Platform) CreateAggregateDevice(uid string, output audio.ObjectID) (audio.ObjectID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.outputByIDLocked(output); !ok {
		return audio.UnknownObject, fmt.Errorf("%w: output %d", ErrUnknownObject, output)
	}
	id := p.newIDLocked()
	p.aggregates[id] = &aggregateDevice{
		id:      id,
		uid:     uid,
		output:  output,
		procs:   make(map[audio.CallbackID]audio.IOProc),
		started: make(map[audio.CallbackID]bool),
	}
	return id, nil
}

func (p *Platform) DestroyAggregateDevice(device audio.ObjectID) error {
	p.mu.Lock()
	agg, ok := p.aggregates[device]
	if ok {
		delete(p.aggregates, device)
		if agg.tap != audio.UnknownObject {
			delete(p.taps, agg.tap)
		}
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: aggregate %d", ErrUnknownObject, device)
	}
	p.uninitDevice(agg)
	return nil
}

// captureConfig builds the capture side of the tap for an output device.
func (p *Platform) captureConfigLocked(out *outputDevice) (malgo.DeviceConfig, error) {
	if runtime.GOOS == "windows" {
		cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
		cfg.Capture.DeviceID = out.info.ID.Pointer()
		return cfg, nil
	}

	captures, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceConfig{}, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	idx := findMonitor(out.info.Name(), captureNames(captures))
	if idx < 0 {
		return malgo.DeviceConfig{}, fmt.Errorf("%w: %s", ErrNoMonitorSource, out.info.Name())
	}
	// keep the DeviceInfo alive for as long as its ID pointer is in use
	monitor := captures[idx]
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.DeviceID = monitor.ID.Pointer()
	cfg.Alsa.NoMMap = 1
	return cfg, nil
}

func captureNames(infos []malgo.DeviceInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names
}

// findMonitor returns the index of the monitor source of output, or -1.
func findMonitor(output string, captures []string) int {
	want := strings.ToLower("Monitor of " + output)
	for i, name := range captures {
		if strings.ToLower(name) == want {
			return i
		}
	}
	for i, name := range captures {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "monitor") && strings.Contains(lower, strings.ToLower(output)) {
			return i
		}
	}
	return -1
}

func (p *Platform) CreateProcessTap(desc audio.TapDescription, aggregateID audio.ObjectID) (audio.ObjectID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg, ok := p.aggregates[aggregateID]
	if !ok {
		return audio.UnknownObject, fmt.Errorf("%w: aggregate %d", ErrUnknownObject, aggregateID)
	}
	if agg.tap != audio.UnknownObject {
		return agg.tap, nil
	}
	out, ok := p.outputByIDLocked(desc.Target)
	if !ok {
		return audio.UnknownObject, fmt.Errorf("%w: output %d", ErrUnknownObject, desc.Target)
	}
	if desc.Mute != audio.MuteUnmuted && desc.Mute != "" {
		slog.Warn("Muting tapped output is not supported by miniaudio, audio stays audible", "mute", desc.Mute)
	}

	cfg, err := p.captureConfigLocked(out)
	if err != nil {
		return audio.UnknownObject, err
	}
	cfg.Capture.Format = malgo.FormatF32

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) < 4 {
				return
			}
			agg.deliver(unsafe.Slice((*float32)(unsafe.Pointer(&input[0])), len(input)/4))
		},
		Stop: func() {
			if agg.halting.Load() {
				return
			}
			agg.running.Store(false)
			go p.notify(agg.output, audio.PropertyDeviceIsAlive)
		},
	}

	device, err := malgo.InitDevice(p.ctx.Context, cfg, callbacks)
	if err != nil {
		return audio.UnknownObject, fmt.Errorf("failed to initialize capture device: %w", err)
	}

	id := p.newIDLocked()
	agg.tap = id
	agg.device = device
	p.taps[id] = aggregateID
	slog.Debug("Created miniaudio tap", "tap", id, "name", desc.Name, "output", out.info.Name())
	return id, nil
}

func (p *Platform) DestroyProcessTap(tap audio.ObjectID) error {
	p.mu.Lock()
	aggID, ok := p.taps[tap]
	var agg *aggregateDevice
	if ok {
		delete(p.taps, tap)
		agg = p.aggregates[aggID]
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: tap %d", ErrUnknownObject, tap)
	}
	if agg != nil {
		p.uninitDevice(agg)
	}
	return nil
}

func (p *Platform) uninitDevice(agg *aggregateDevice) {
	p.mu.Lock()
	device := agg.device
	agg.device = nil
	agg.tap = audio.UnknownObject
	p.mu.Unlock()

	if device == nil {
		return
	}

	agg.ctl.Lock()
	defer agg.ctl.Unlock()

	agg.ioMu.Lock()
	clear(agg.started)
	agg.ioMu.Unlock()

	agg.halting.Store(true)
	if agg.running.Swap(false) {
		if err := device.Stop(); err != nil {
			slog.Warn("Failed to stop capture device", "aggregate", agg.id, "error", err)
		}
	}
	device.Uninit()
}

func (p *Platform) StreamFormat(device audio.ObjectID) (audio.Format, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg, ok := p.aggregates[device]
	if !ok || agg.device == nil {
		return audio.Format{}, fmt.Errorf("%w: aggregate %d has no tap", ErrUnknownObject, device)
	}
	return audio.Format{
		SampleRate:    float64(agg.device.SampleRate()),
		Channels:      int(agg.device.CaptureChannels()),
		BitsPerSample: 32,
	}, nil
}

func (p *Platform) tapped(device audio.ObjectID) (*aggregateDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg, ok := p.aggregates[device]
	if !ok || agg.device == nil {
		return nil, fmt.Errorf("%w: aggregate %d has no tap", ErrUnknownObject, device)
	}
	return agg, nil
}

func (p *Platform) RegisterCallback(device audio.ObjectID, proc audio.IOProc) (audio.CallbackID, error) {
	agg, err := p.tapped(device)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.nextCB++
	id := p.nextCB
	p.mu.Unlock()

	agg.ioMu.Lock()
	agg.procs[id] = proc
	agg.ioMu.Unlock()
	return id, nil
}

func (p *Platform) DeregisterCallback(device audio.ObjectID, id audio.CallbackID) error {
	p.mu.Lock()
	agg, ok := p.aggregates[device]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: aggregate %d", ErrUnknownObject, device)
	}

	agg.ioMu.Lock()
	_, ok = agg.procs[id]
	delete(agg.procs, id)
	wasStarted := agg.started[id]
	delete(agg.started, id)
	agg.ioMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: callback %d", ErrUnknownObject, id)
	}
	if wasStarted {
		return p.StopDevice(device, id)
	}
	return nil
}

// StartDevice starts the IOProc id, starting the capture device with the
// first started IOProc.
func (p *Platform) StartDevice(device audio.ObjectID, id audio.CallbackID) error {
	agg, err := p.tapped(device)
	if err != nil {
		return err
	}

	agg.ctl.Lock()
	defer agg.ctl.Unlock()

	agg.ioMu.Lock()
	_, ok := agg.procs[id]
	if ok {
		agg.started[id] = true
	}
	agg.ioMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: callback %d", ErrUnknownObject, id)
	}

	if agg.running.Load() {
		return nil
	}
	agg.halting.Store(false)
	agg.running.Store(true)
	if err := agg.device.Start(); err != nil {
		agg.running.Store(false)
		agg.ioMu.Lock()
		delete(agg.started, id)
		agg.ioMu.Unlock()
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

// StopDevice stops the IOProc id. The capture device stops with the last
// started IOProc. miniaudio's stop waits for the data callback to return, so
// no block is delivered afterwards.
func (p *Platform) StopDevice(device audio.ObjectID, id audio.CallbackID) error {
	agg, err := p.tapped(device)
	if err != nil {
		return err
	}

	agg.ctl.Lock()
	defer agg.ctl.Unlock()

	agg.ioMu.Lock()
	delete(agg.started, id)
	idle := len(agg.started) == 0
	agg.ioMu.Unlock()

	if !idle || !agg.running.Swap(false) {
		return nil
	}
	agg.halting.Store(true)
	if err := agg.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// Subscribe registers listener for property changes. This backend only
// raises PropertyDeviceIsAlive, when the capture stops on its own.
func (p *Platform) Subscribe(device audio.ObjectID, props []audio.Property, listener audio.PropertyListener) (audio.SubscriptionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(props) == 0 {
		return 0, ErrPropertyNotKnown
	}
	p.nextSub++
	p.subs[p.nextSub] = &subscription{device: device, props: props, listener: listener}
	return p.nextSub, nil
}

func (p *Platform) Unsubscribe(id audio.SubscriptionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subs[id]; !ok {
		return fmt.Errorf("%w: subscription %d", ErrUnknownObject, id)
	}
	delete(p.subs, id)
	return nil
}

func (p *Platform) notify(device audio.ObjectID, prop audio.Property) {
	p.mu.Lock()
	var listeners []audio.PropertyListener
	for _, sub := range p.subs {
		if sub.device != device {
			continue
		}
		for _, want := range sub.props {
			if want == prop {
				listeners = append(listeners, sub.listener)
				break
			}
		}
	}
	p.mu.Unlock()

	slog.Debug("Device property changed", "device", device, "property", prop, "listeners", len(listeners))
	for _, l := range listeners {
		l(prop)
	}
}

// Close releases every device and the malgo context.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	aggs := make([]*aggregateDevice, 0, len(p.aggregates))
	for _, agg := range p.aggregates {
		aggs = append(aggs, agg)
	}
	p.aggregates = make(map[audio.ObjectID]*aggregateDevice)
	p.taps = make(map[audio.ObjectID]audio.ObjectID)
	p.mu.Unlock()

	for _, agg := range aggs {
		p.uninitDevice(agg)
	}

	err := p.ctx.Uninit()
	p.ctx.Free()
	if err != nil {
		return fmt.Errorf("failed to uninitialize malgo context: %w", err)
	}
	return nil
}
