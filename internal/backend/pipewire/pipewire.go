// Package pipewire implements audio.Platform with the PipeWire command line
// tools.
//
// PipeWire has no process taps, so an aggregate device is a pw-record stream
// attached to the monitor of an output node. Samples are read from the
// process as raw float32 and delivered to the IOProcs in period-sized
// blocks. When the process dies on its own the output is reported as no
// longer alive.
package pipewire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

var (
	ErrUnknownObject = errors.New("unknown audio object")
	ErrNoTap         = errors.New("aggregate device has no tap")
)

// DefaultTarget is the UID of the output the session manager routes to.
const DefaultTarget = "@DEFAULT_AUDIO_SINK@"

const stopTimeout = 5 * time.Second

// Config describes the stream requested from PipeWire.
type Config struct {
	SampleRate   int
	Channels     int
	PeriodFrames int

	// Target is the output node to record. Empty follows the default output.
	Target string

	// Command is the capture tool, pw-record unless set.
	Command string

	Runner   Runner
	Launcher Launcher
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.PeriodFrames <= 0 {
		c.PeriodFrames = 480
	}
	if c.Command == "" {
		c.Command = "pw-record"
	}
	if c.Runner == nil {
		c.Runner = execRunner
	}
	if c.Launcher == nil {
		c.Launcher = execLauncher
	}
	return c
}

type aggregate struct {
	id     audio.ObjectID
	uid    string
	output audio.ObjectID
	tap    audio.ObjectID

	ioMu    sync.Mutex // held while a block is delivered
	procs   map[audio.CallbackID]audio.IOProc
	started map[audio.CallbackID]bool
	capture Capture
	running bool
	reader  *conc.WaitGroup
}

func (a *aggregate) deliver(block []float32, capture Capture) bool {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if !a.running || a.capture != capture {
		return false
	}
	for id := range a.started {
		a.procs[id](block)
	}
	return true
}

type subscription struct {
	device   audio.ObjectID
	props    []audio.Property
	listener audio.PropertyListener
}

// Platform is an audio.Platform driving pw-record processes.
type Platform struct {
	cfg Config

	mu         sync.Mutex
	nextID     uint32
	nextCB     audio.CallbackID
	nextSub    audio.SubscriptionID
	defaultOut audio.ObjectID
	nodes      map[string]audio.ObjectID // output node name to id
	targets    map[audio.ObjectID]string
	aggregates map[audio.ObjectID]*aggregate
	taps       map[audio.ObjectID]audio.ObjectID
	subs       map[audio.SubscriptionID]*subscription
	notifiers  conc.WaitGroup
	closed     bool
}

var _ audio.Platform = (*Platform)(nil)

// New creates a platform. It fails when the PipeWire graph cannot be listed.
func New(cfg Config) (*Platform, error) {
	p := &Platform{
		cfg:        cfg.withDefaults(),
		nodes:      make(map[string]audio.ObjectID),
		targets:    make(map[audio.ObjectID]string),
		aggregates: make(map[audio.ObjectID]*aggregate),
		taps:       make(map[audio.ObjectID]audio.ObjectID),
		subs:       make(map[audio.SubscriptionID]*subscription),
	}
	p.defaultOut = p.newIDLocked()
	p.targets[p.defaultOut] = ""

	if _, err := listPorts(context.Background(), p.cfg.Runner); err != nil {
		return nil, err
	}
	slog.Debug("Initialized PipeWire backend", "command", p.cfg.Command, "target", p.cfg.Target)
	return p, nil
}

func (p *Platform) newIDLocked() audio.ObjectID {
	p.nextID++
	return audio.ObjectID(p.nextID)
}

func (p *Platform) nodeIDLocked(node string) audio.ObjectID {
	if id, ok := p.nodes[node]; ok {
		return id
	}
	id := p.newIDLocked()
	p.nodes[node] = id
	p.targets[id] = node
	return id
}

func (p *Platform) DefaultOutputDevice() (audio.ObjectID, error) {
	if p.cfg.Target == "" {
		return p.defaultOut, nil
	}

	ports, err := listPorts(context.Background(), p.cfg.Runner)
	if err != nil {
		return audio.UnknownObject, err
	}
	if err := validateTarget(p.cfg.Target, ports); err != nil {
		return audio.UnknownObject, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeIDLocked(p.cfg.Target), nil
}

func (p *Platform) Devices() ([]audio.DeviceInfo, error) {
	ports, err := listPorts(context.Background(), p.cfg.Runner)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	devices := []audio.DeviceInfo{{
		ID:        p.defaultOut,
		Name:      "Default output",
		UID:       DefaultTarget,
		IsDefault: p.cfg.Target == "",
	}}
	for _, node := range monitorNodes(ports) {
		devices = append(devices, audio.DeviceInfo{
			ID:        p.nodeIDLocked(node),
			Name:      node,
			UID:       node,
			IsDefault: node == p.cfg.Target,
		})
	}
	return devices, nil
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

	if _, ok := p.targets[output]; !ok {
		return audio.UnknownObject, fmt.Errorf("%w: output %d", ErrUnknownObject, output)
	}
	id := p.newIDLocked()
	p.aggregates[id] = &aggregate{
		id:     id,
		uid:    uid,
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
		delete(p.taps, agg.tap)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: aggregate %d", ErrUnknownObject, device)
	}
	p.halt(agg, true)
	return nil
}

func (p *Platform) CreateProcessTap(desc audio.TapDescription, aggregateID audio.ObjectID) (audio.ObjectID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg, ok := p.aggregates[aggregateID]
	if !ok {
		return audio.UnknownObject, fmt.Errorf("%w: aggregate %d", ErrUnknownObject, aggregateID)
	}
	if desc.Target != agg.output {
		return audio.UnknownObject, fmt.Errorf("%w: tap target %d", ErrUnknownObject, desc.Target)
	}
	if agg.tap != audio.UnknownObject {
		return agg.tap, nil
	}
	if desc.Mute != audio.MuteUnmuted && desc.Mute != "" {
		slog.Warn("Muting tapped output is not supported by the PipeWire backend, audio stays audible", "mute", desc.Mute)
	}

	id := p.newIDLocked()
	agg.tap = id
	p.taps[id] = aggregateID
	slog.Debug("Created PipeWire tap", "tap", id, "name", desc.Name, "target", p.targets[agg.output])
	return id, nil
}

func (p *Platform) DestroyProcessTap(tap audio.ObjectID) error {
	p.mu.Lock()
	aggID, ok := p.taps[tap]
	var agg *aggregate
	if ok {
		delete(p.taps, tap)
		agg = p.aggregates[aggID]
		if agg != nil {
			agg.tap = audio.UnknownObject
		}
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: tap %d", ErrUnknownObject, tap)
	}
	if agg != nil {
		p.halt(agg, true)
	}
	return nil
}

func (p *Platform) StreamFormat(device audio.ObjectID) (audio.Format, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.aggregates[device]; !ok {
		if _, ok := p.targets[device]; !ok {
			return audio.Format{}, fmt.Errorf("%w: device %d", ErrUnknownObject, device)
		}
	}
	return audio.Format{
		SampleRate:    float64(p.cfg.SampleRate),
		Channels:      p.cfg.Channels,
		BitsPerSample: 32,
	}, nil
}

func (p *Platform) tapped(device audio.ObjectID) (*aggregate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg, ok := p.aggregates[device]
	if !ok {
		return nil, fmt.Errorf("%w: aggregate %d", ErrUnknownObject, device)
	}
	if agg.tap == audio.UnknownObject {
		return nil, fmt.Errorf("%w: %d", ErrNoTap, device)
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
	delete(agg.started, id)
	agg.ioMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: callback %d", ErrUnknownObject, id)
	}
	p.halt(agg, false)
	return nil
}

// StartDevice starts the IOProc id, launching the capture process of device
// if it is not running yet.
func (p *Platform) StartDevice(device audio.ObjectID, id audio.CallbackID) error {
	agg, err := p.tapped(device)
	if err != nil {
		return err
	}

	p.mu.Lock()
	target := p.targets[agg.output]
	p.mu.Unlock()

	agg.ioMu.Lock()
	defer agg.ioMu.Unlock()

	if _, ok := agg.procs[id]; !ok {
		return fmt.Errorf("%w: callback %d", ErrUnknownObject, id)
	}
	if agg.running {
		agg.started[id] = true
		return nil
	}

	capture, err := p.cfg.Launcher(context.Background(), p.cfg.Command, recordArgs(p.cfg, target)...)
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	agg.started[id] = true
	agg.capture = capture
	agg.running = true
	agg.reader = &conc.WaitGroup{}
	agg.reader.Go(func() { p.read(agg, capture) })
	return nil
}

// StopDevice stops the IOProc id. No block reaches it after StopDevice
// returns. The capture process stops with the last started IOProc.
func (p *Platform) StopDevice(device audio.ObjectID, id audio.CallbackID) error {
	p.mu.Lock()
	agg, ok := p.aggregates[device]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: aggregate %d", ErrUnknownObject, device)
	}

	agg.ioMu.Lock()
	delete(agg.started, id)
	agg.ioMu.Unlock()

	p.halt(agg, false)
	return nil
}

// halt interrupts the capture process of agg and waits for its reader,
// killing the process if it does not exit in time. Unless force is set it
// does nothing while an IOProc is still started.
func (p *Platform) halt(agg *aggregate, force bool) {
	agg.ioMu.Lock()
	if !force && len(agg.started) > 0 {
		agg.ioMu.Unlock()
		return
	}
	capture, reader := agg.capture, agg.reader
	agg.capture, agg.reader = nil, nil
	agg.running = false
	clear(agg.started)
	agg.ioMu.Unlock()

	if capture == nil {
		return
	}

	if err := capture.Interrupt(); err != nil {
		slog.Debug("Failed to interrupt capture process, killing it", "error", err)
		capture.Kill()
	}

	done := make(chan struct{})
	go func() {
		reader.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("Capture process did not exit within timeout, force killing", "aggregate", agg.id)
		capture.Kill()
		<-done
	}
}

// read is the real-time loop of one capture process.
func (p *Platform) read(agg *aggregate, capture Capture) {
	block := make([]float32, p.cfg.PeriodFrames*p.cfg.Channels)
	raw := make([]byte, len(block)*4)

	var readErr error
	for {
		if _, readErr = io.ReadFull(capture, raw); readErr != nil {
			break
		}
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		agg.deliver(block, capture)
	}

	waitErr := capture.Wait()

	agg.ioMu.Lock()
	died := agg.capture == capture
	if died {
		agg.capture = nil
		agg.reader = nil
		agg.running = false
	}
	agg.ioMu.Unlock()

	if !died {
		return
	}
	slog.Warn("Capture process exited unexpectedly",
		"aggregate", agg.id,
		"read_error", readErr,
		"exit_error", waitErr)

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.notifiers.Go(func() { p.notify(agg.output, audio.PropertyDeviceIsAlive) })
	}
	p.mu.Unlock()
}

func (p *Platform) Subscribe(device audio.ObjectID, props []audio.Property, listener audio.PropertyListener) (audio.SubscriptionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.targets[device]; !ok {
		if _, ok := p.aggregates[device]; !ok {
			return 0, fmt.Errorf("%w: device %d", ErrUnknownObject, device)
		}
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

// Close stops every capture process and waits for pending notifications.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	aggs := make([]*aggregate, 0, len(p.aggregates))
	for _, agg := range p.aggregates {
		aggs = append(aggs, agg)
	}
	p.mu.Unlock()

	for _, agg := range aggs {
		p.halt(agg, true)
	}
	p.notifiers.Wait()
	return nil
}
