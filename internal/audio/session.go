package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// PropertyChangeReason is the structured form of a device notification
type PropertyChangeReason int

const (
	StreamFormatChanged PropertyChangeReason = iota + 1
	StreamConfigurationChanged
	DeviceIsAliveChanged
)

func (r PropertyChangeReason) String() string {
	switch r {
	case StreamFormatChanged:
		return "stream_format_changed"
	case StreamConfigurationChanged:
		return "stream_configuration_changed"
	case DeviceIsAliveChanged:
		return "device_is_alive_changed"
	default:
		return fmt.Sprintf("property_change(%d)", int(r))
	}
}

// StopReason maps a property change to the reason a recording ends with.
func (r PropertyChangeReason) StopReason() StopReason {
	if r == DeviceIsAliveChanged {
		return StopDeviceRemoved
	}
	return StopConfigurationChanged
}

var watchedProperties = []Property{
	PropertyStreamFormat,
	PropertyStreamConfiguration,
	PropertyDeviceIsAlive,
}

func reasonForProperty(p Property) (PropertyChangeReason, bool) {
	switch p {
	case PropertyStreamFormat:
		return StreamFormatChanged, true
	case PropertyStreamConfiguration:
		return StreamConfigurationChanged, true
	case PropertyDeviceIsAlive:
		return DeviceIsAliveChanged, true
	default:
		return 0, false
	}
}

// SessionHandle is one reservation of the shared tap. It must be released
// exactly once; further Release calls do nothing.
type SessionHandle struct {
	manager   *TapManager
	output    ObjectID
	aggregate ObjectID
	tap       ObjectID
	format    Format

	mu           sync.Mutex
	released     bool
	subscribed   bool
	subscription SubscriptionID
}

func (h *SessionHandle) TapID() ObjectID             { return h.tap }
func (h *SessionHandle) AggregateDeviceID() ObjectID { return h.aggregate }
func (h *SessionHandle) OutputDeviceID() ObjectID    { return h.output }
func (h *SessionHandle) Format() Format              { return h.format }

// Valid reports whether the handle still holds its reservation.
func (h *SessionHandle) Valid() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released && h.aggregate != UnknownObject
}

// RegisterPropertyListener subscribes to format, configuration and liveness
// changes on the tapped output device. handler runs on the platform's
// notification goroutine. Registering twice is a no-op.
func (h *SessionHandle) RegisterPropertyListener(handler func(PropertyChangeReason)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrSessionReleased
	}
	if h.subscribed {
		return nil
	}

	id, err := h.manager.platform.Subscribe(h.output, watchedProperties, func(p Property) {
		if reason, ok := reasonForProperty(p); ok {
			handler(reason)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to device %d: %w", h.output, err)
	}
	h.subscription = id
	h.subscribed = true
	return nil
}

// UnregisterPropertyListener removes the subscription if there is one.
func (h *SessionHandle) UnregisterPropertyListener() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked()
}

func (h *SessionHandle) unregisterLocked() {
	if !h.subscribed {
		return
	}
	if err := h.manager.platform.Unsubscribe(h.subscription); err != nil {
		slog.Warn("Failed to unsubscribe from device properties", "device", h.output, "error", err)
	}
	h.subscribed = false
	h.subscription = 0
}

// Release unregisters the listener and returns the reservation.
func (h *SessionHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.unregisterLocked()
	h.released = true
	h.mu.Unlock()

	h.manager.release()
}
