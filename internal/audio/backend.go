package audio

import (
	"fmt"
)

// ObjectID references a platform-managed audio object (device, tap, aggregate).
// The recorder never owns the object behind it.
type ObjectID uint32

// UnknownObject is the zero ObjectID and never refers to a live object.
const UnknownObject ObjectID = 0

// CallbackID identifies one registered IOProc.
type CallbackID uint64

// SubscriptionID identifies one property-change subscription.
type SubscriptionID uint64

// Format describes the interleaved float32 stream delivered to an IOProc
type Format struct {
	SampleRate    float64 `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
}

// Valid reports whether the format can size a capture buffer.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%.0f Hz / %d ch / %d bit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// MuteBehavior controls whether tapped audio still reaches the speakers
type MuteBehavior string

const (
	MuteUnmuted         MuteBehavior = "unmuted"
	MuteMuted           MuteBehavior = "muted"
	MuteMutedWhenTapped MuteBehavior = "muted_when_tapped"
)

// TapDescription is what the platform needs to build a process tap.
type TapDescription struct {
	Name        string
	Target      ObjectID
	Mute        MuteBehavior
	Private     bool
	ExcludeSelf bool
}

// Property selects a device notification.
type Property int

const (
	PropertyStreamFormat Property = iota + 1
	PropertyStreamConfiguration
	PropertyDeviceIsAlive
)

func (p Property) String() string {
	switch p {
	case PropertyStreamFormat:
		return "stream-format"
	case PropertyStreamConfiguration:
		return "stream-configuration"
	case PropertyDeviceIsAlive:
		return "device-is-alive"
	default:
		return fmt.Sprintf("property(%d)", int(p))
	}
}

// IOProc receives one hardware block by reference on the real-time context.
// It must not allocate, block, or panic, and must not retain samples.
type IOProc func(samples []float32)

// PropertyListener is invoked on the platform's notification context.
type PropertyListener func(prop Property)

// DeviceInfo describes an output device as reported by a backend
type DeviceInfo struct {
	ID        ObjectID `json:"id"`
	Name      string   `json:"name"`
	UID       string   `json:"uid"`
	IsDefault bool     `json:"is_default"`
}

// Platform is the hardware contract the tap recorder is built on.
// Implementations live in internal/backend.
type Platform interface {
	// Device discovery
	DefaultOutputDevice() (ObjectID, error)
	Devices() ([]DeviceInfo, error)

	// Tap and aggregate device lifecycle
	FindAggregateDevice(uid string) (ObjectID, bool)
	CreateAggregateDevice(uid string, output ObjectID) (ObjectID, error)
	DestroyAggregateDevice(device ObjectID) error
	CreateProcessTap(desc TapDescription, aggregate ObjectID) (ObjectID, error)
	DestroyProcessTap(tap ObjectID) error
	StreamFormat(device ObjectID) (Format, error)

	// Real-time callback registration
	// StartDevice and StopDevice act on one IOProc. The device runs while
	// any of its IOProcs is started, and a stopped IOProc receives no
	// further blocks once StopDevice returns.
	RegisterCallback(device ObjectID, proc IOProc) (CallbackID, error)
	StartDevice(device ObjectID, id CallbackID) error
	StopDevice(device ObjectID, id CallbackID) error
	DeregisterCallback(device ObjectID, id CallbackID) error

	// Property-change subscription
	Subscribe(device ObjectID, props []Property, listener PropertyListener) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error

	Close() error
}

// SampleWriter persists a finished recording.
type SampleWriter interface {
	WriteSamples(format Format, path string, samples []float32) error
}
