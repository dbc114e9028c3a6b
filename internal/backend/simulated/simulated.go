// Package simulated provides a software audio platform. It behaves like a
// hardware backend (aggregate devices, taps, IOProcs and property
// notifications) without touching any audio hardware.
package simulated

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

const (
	SignalSilence = "silence"
	SignalSine    = "sine"

	sineFrequency = 440.0
	sineAmplitude = 0.25
)

var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrUnknownTap      = errors.New("unknown tap")
	ErrUnknownCallback = errors.New("unknown callback")
)

// Config describes the simulated output device.
type Config struct {
	SampleRate   float64
	Channels     int
	PeriodFrames int
	Signal       string
	DeviceName   string

	// Manual disables the real-time goroutine. Blocks are then delivered
	// only through Pump and Deliver.
	Manual bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.PeriodFrames <= 0 {
		c.PeriodFrames = 480
	}
	if c.Signal == "" {
		c.Signal = SignalSilence
	}
	if c.DeviceName == "" {
		c.DeviceName = "Simulated Output"
	}
	return c
}

// Faults makes individual platform calls fail.
type Faults struct {
	NoOutputDevice   bool
	ZeroSampleRate   bool
	CreateAggregate  error
	CreateTap        error
	RegisterCallback error
	StartDevice      error
	Subscribe        error
}

// Stats counts platform calls that created or destroyed something.
type Stats struct {
	AggregatesCreated     int
	AggregatesDestroyed   int
	TapsCreated           int
	TapsDestroyed         int
	CallbacksRegistered   int
	CallbacksDeregistered int
	DevicesStarted        int
	DevicesStopped        int
	Subscriptions         int
	Unsubscriptions       int
}

// Balanced reports whether everything created has been destroyed again.
func (s Stats) Balanced() bool {
	return s.AggregatesCreated == s.AggregatesDestroyed &&
		s.TapsCreated == s.TapsDestroyed &&
		s.CallbacksRegistered == s.CallbacksDeregistered &&
		s.DevicesStarted == s.DevicesStopped &&
		s.Subscriptions == s.Unsubscriptions
}

type aggregate struct {
	id  audio.ObjectID
	uid string

	ioMu    sync.Mutex // held while a block is delivered
	procs   map[audio.CallbackID]audio.IOProc
	started map[audio.CallbackID]bool
	running bool

	stop    chan struct{}
	streams *conc.WaitGroup
}

// deliver hands block to every started IOProc. It reports whether the device
// is running.
func (a *aggregate) deliver(block []float32) bool {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	if !a.running {
		return false
	}
	for id := range a.started {
		a.procs[id](block)
	}
	return true
}

type subscription struct {
	device   audio.ObjectID
	props    map[audio.Property]bool
	listener audio.PropertyListener
}

// Platform is an in-memory audio.Platform.
type Platform struct {
	cfg Config

	mu         sync.Mutex
	nextID     uint32
	nextCB     audio.CallbackID
	nextSub    audio.SubscriptionID
	faults     Faults
	stats      Stats
	output     audio.ObjectID
	aggregates map[audio.ObjectID]*aggregate
	taps       map[audio.ObjectID]audio.ObjectID
	subs       map[audio.SubscriptionID]*subscription
	closed     bool
}

var _ audio.Platform = (*Platform)(nil)

// New creates a simulated platform with a single default output device.
func New(cfg Config) *Platform {
	p := &Platform{
		cfg:        cfg.withDefaults(),
		aggregates: make(map[audio.ObjectID]*aggregate),
		taps:       make(map[audio.ObjectID]audio.ObjectID),
		subs:       make(map[audio.SubscriptionID]*subscription),
	}
	p.output = p.newIDLocked()
	return p
}

func (p *Platform) newIDLocked() audio.ObjectID {
	p.nextID++
	return audio.ObjectID(p.nextID)
}

// SetFaults replaces the active fault set.
func (p *Platform) SetFaults(f Faults) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = f
}

// Stats returns a snapshot of the call counters.
func (p *Platform) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LiveTaps returns the number of taps that currently exist.
func (p *Platform) LiveTaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.taps)
}

func (p *Platform) DefaultOutputDevice() (audio.ObjectID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.faults.NoOutputDevice {
		return audio.UnknownObject, nil
	}
	return p.output, nil
}

func (p *Platform) Devices() ([]audio.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return []audio.DeviceInfo{{
		ID:        p.output,
		Name:      p.cfg.DeviceName,
		UID:       "simulated-output",
		IsDefault: true,
	}}, nil
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

	if p.faults.CreateAggregate != nil {
		return audio.UnknownObject, p.faults.CreateAggregate
	}
	if output != p.output {
		return audio.UnknownObject, fmt.Errorf("%w: %d", ErrUnknownDevice, output)
	}

	id := p.newIDLocked()
	p.aggregates[id] = &aggregate{
		id:    id,
		uid:   uid,
		procs:   make(map[audio.CallbackID]audio.IOProc),
		started: make(map[audio.CallbackID]bool),
	}
	p.stats.AggregatesCreated++
	return id, nil
}

func (p *Platform) DestroyAggregateDevice(device audio.ObjectID) error {
	p.mu.Lock()
	agg, ok := p.aggregates[device]
	if ok {
		delete(p.aggregates, device)
		p.stats.AggregatesDestroyed++
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, device)
	}
	if p.halt(agg, true) {
		p.mu.Lock()
		p.stats.DevicesStopped++
		p.mu.Unlock()
	}
	return nil
}

func (p *Platform) CreateProcessTap(desc audio.TapDescription, aggregateID audio.ObjectID) (audio.ObjectID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.faults.CreateTap != nil {
		return audio.UnknownObject, p.faults.CreateTap
	}
	if _, ok := p.aggregates[aggregateID]; !ok {
		return audio.UnknownObject, fmt.Errorf("%w: %d", ErrUnknownDevice, aggregateID)
	}
	if desc.Target != p.output {
		return audio.UnknownObject, fmt.Errorf("%w: tap target %d", ErrUnknownDevice, desc.Target)
	}

	id := p.newIDLocked()
	p.taps[id] = aggregateID
	p.stats.TapsCreated++
	slog.Debug("Simulated tap created", "tap", id, "name", desc.Name, "aggregate", aggregateID)
	return id, nil
}

func (p *Platform) DestroyProcessTap(tap audio.ObjectID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.taps[tap]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTap, tap)
	}
	delete(p.taps, tap)
	p.stats.TapsDestroyed++
	return nil
}

func (p *Platform) StreamFormat(device audio.ObjectID) (audio.Format, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if device != p.output {
		if _, ok := p.aggregates[device]; !ok {
			return audio.Format{}, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
		}
	}
	rate := p.cfg.SampleRate
	if p.faults.ZeroSampleRate {
		rate = 0
	}
	return audio.Format{SampleRate: rate, Channels: p.cfg.Channels, BitsPerSample: 32}, nil
}

func (p *Platform) lookup(device audio.ObjectID) (*aggregate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg, ok := p.aggregates[device]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
	}
	return agg, nil
}

func (p *Platform) RegisterCallback(device audio.ObjectID, proc audio.IOProc) (audio.CallbackID, error) {
	p.mu.Lock()
	if err := p.faults.RegisterCallback; err != nil {
		p.mu.Unlock()
		return 0, err
	}
	agg, ok := p.aggregates[device]
	if !ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
	}
	p.nextCB++
	id := p.nextCB
	p.stats.CallbacksRegistered++
	p.mu.Unlock()

	agg.ioMu.Lock()
	agg.procs[id] = proc
	agg.ioMu.Unlock()
	return id, nil
}

func (p *Platform) DeregisterCallback(device audio.ObjectID, id audio.CallbackID) error {
	agg, err := p.lookup(device)
	if err != nil {
		return err
	}

	agg.ioMu.Lock()
	_, ok := agg.procs[id]
	delete(agg.procs, id)
	wasStarted := agg.started[id]
	delete(agg.started, id)
	agg.ioMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCallback, id)
	}
	if wasStarted {
		p.haltIdle(agg)
	}
	p.mu.Lock()
	p.stats.CallbacksDeregistered++
	p.mu.Unlock()
	return nil
}

// StartDevice starts the IOProc id on device. The device itself starts with
// its first started IOProc.
func (p *Platform) StartDevice(device audio.ObjectID, id audio.CallbackID) error {
	p.mu.Lock()
	fault := p.faults.StartDevice
	p.mu.Unlock()
	if fault != nil {
		return fault
	}

	agg, err := p.lookup(device)
	if err != nil {
		return err
	}

	agg.ioMu.Lock()
	if _, ok := agg.procs[id]; !ok {
		agg.ioMu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownCallback, id)
	}
	agg.started[id] = true
	if agg.running {
		agg.ioMu.Unlock()
		return nil
	}
	agg.running = true
	if !p.cfg.Manual {
		agg.stop = make(chan struct{})
		agg.streams = &conc.WaitGroup{}
		stop := agg.stop
		agg.streams.Go(func() { p.stream(agg, stop) })
	}
	agg.ioMu.Unlock()

	p.mu.Lock()
	p.stats.DevicesStarted++
	p.mu.Unlock()
	return nil
}

// StopDevice stops the IOProc id. No block reaches it after StopDevice
// returns. The device stops with its last started IOProc.
func (p *Platform) StopDevice(device audio.ObjectID, id audio.CallbackID) error {
	agg, err := p.lookup(device)
	if err != nil {
		return err
	}

	agg.ioMu.Lock()
	delete(agg.started, id)
	agg.ioMu.Unlock()

	p.haltIdle(agg)
	return nil
}

// haltIdle stops agg if none of its IOProcs is started.
func (p *Platform) haltIdle(agg *aggregate) {
	if p.halt(agg, false) {
		p.mu.Lock()
		p.stats.DevicesStopped++
		p.mu.Unlock()
	}
}

// halt stops delivery on agg. Unless force is set it does nothing while an
// IOProc is still started. No block is delivered after it returns.
func (p *Platform) halt(agg *aggregate, force bool) bool {
	agg.ioMu.Lock()
	if !agg.running || (!force && len(agg.started) > 0) {
		agg.ioMu.Unlock()
		return false
	}
	agg.running = false
	clear(agg.started)
	stop, streams := agg.stop, agg.streams
	agg.stop, agg.streams = nil, nil
	agg.ioMu.Unlock()

	if stop != nil {
		close(stop)
		streams.Wait()
	}
	return true
}

// stream is the real-time goroutine of a running aggregate device.
func (p *Platform) stream(agg *aggregate, stop <-chan struct{}) {
	period := time.Duration(float64(p.cfg.PeriodFrames) / p.cfg.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	block := make([]float32, p.cfg.PeriodFrames*p.cfg.Channels)
	var frame int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame = p.fill(block, frame)
			agg.deliver(block)
		}
	}
}

// fill writes one period of the configured signal starting at frame and
// returns the next frame position.
func (p *Platform) fill(block []float32, frame int64) int64 {
	channels := p.cfg.Channels
	frames := len(block) / channels
	for i := 0; i < frames; i++ {
		var v float32
		if p.cfg.Signal == SignalSine {
			t := float64(frame+int64(i)) / p.cfg.SampleRate
			v = float32(sineAmplitude * math.Sin(2*math.Pi*sineFrequency*t))
		}
		for c := 0; c < channels; c++ {
			block[i*channels+c] = v
		}
	}
	return frame + int64(frames)
}

// Pump synchronously delivers frames of the configured signal to the IOProcs
// of device in period-sized blocks. It returns the number of frames delivered,
// which is zero if the device is not running.
func (p *Platform) Pump(device audio.ObjectID, frames int) int {
	agg, err := p.lookup(device)
	if err != nil {
		return 0
	}

	block := make([]float32, p.cfg.PeriodFrames*p.cfg.Channels)
	var delivered int
	for delivered < frames {
		n := min(p.cfg.PeriodFrames, frames-delivered)
		b := block[:n*p.cfg.Channels]
		p.fill(b, int64(delivered))
		if !agg.deliver(b) {
			break
		}
		delivered += n
	}
	return delivered
}

// Deliver hands one raw block to the IOProcs of device.
func (p *Platform) Deliver(device audio.ObjectID, block []float32) bool {
	agg, err := p.lookup(device)
	if err != nil {
		return false
	}
	return agg.deliver(block)
}

func (p *Platform) Subscribe(device audio.ObjectID, props []audio.Property, listener audio.PropertyListener) (audio.SubscriptionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.faults.Subscribe != nil {
		return 0, p.faults.Subscribe
	}
	if device != p.output {
		if _, ok := p.aggregates[device]; !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
		}
	}

	set := make(map[audio.Property]bool, len(props))
	for _, prop := range props {
		set[prop] = true
	}
	p.nextSub++
	p.subs[p.nextSub] = &subscription{device: device, props: set, listener: listener}
	p.stats.Subscriptions++
	return p.nextSub, nil
}

func (p *Platform) Unsubscribe(id audio.SubscriptionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subs[id]; !ok {
		return fmt.Errorf("unknown subscription %d", id)
	}
	delete(p.subs, id)
	p.stats.Unsubscriptions++
	return nil
}

// NotifyPropertyChange invokes every listener subscribed to prop on device,
// on the calling goroutine. It returns the number of listeners notified.
func (p *Platform) NotifyPropertyChange(device audio.ObjectID, prop audio.Property) int {
	p.mu.Lock()
	var listeners []audio.PropertyListener
	for _, sub := range p.subs {
		if sub.device == device && sub.props[prop] {
			listeners = append(listeners, sub.listener)
		}
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(prop)
	}
	return len(listeners)
}

// OutputDevice returns the id of the simulated output device.
func (p *Platform) OutputDevice() audio.ObjectID {
	return p.output
}

// Close stops every running device.
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
		if p.halt(agg, true) {
			p.mu.Lock()
			p.stats.DevicesStopped++
			p.mu.Unlock()
		}
	}
	return nil
}
