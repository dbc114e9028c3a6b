package audio

import (
	"errors"
	"fmt"
	"sync"
)

// BlockConsumer receives hardware blocks on the real-time goroutine.
type BlockConsumer interface {
	Consume(samples []float32)
}

// CallbackHandle owns one IOProc registration on one device together with
// the consumer the IOProc feeds. The consumer stays reachable for as long as
// the registration exists.
type CallbackHandle struct {
	platform Platform
	device   ObjectID
	id       CallbackID
	consumer BlockConsumer

	mu     sync.Mutex
	closed bool
}

// NewCallbackHandle registers an IOProc forwarding to consumer and starts it.
// If it does not start, the IOProc is deregistered again. Other IOProcs on
// the same device are unaffected by the handle's lifecycle.
func NewCallbackHandle(platform Platform, device ObjectID, consumer BlockConsumer) (*CallbackHandle, error) {
	h := &CallbackHandle{
		platform: platform,
		device:   device,
		consumer: consumer,
	}

	id, err := platform.RegisterCallback(device, h.consumer.Consume)
	if err != nil {
		return nil, fmt.Errorf("registering IOProc on device %d: %w", device, err)
	}
	h.id = id

	if err := platform.StartDevice(device, id); err != nil {
		if derr := platform.DeregisterCallback(device, id); derr != nil {
			err = errors.Join(err, fmt.Errorf("deregistering IOProc: %w", derr))
		}
		return nil, fmt.Errorf("starting device %d: %w", device, err)
	}
	return h, nil
}

// Device returns the device the IOProc is registered with.
func (h *CallbackHandle) Device() ObjectID { return h.device }

// Consumer returns the consumer owned by this handle.
func (h *CallbackHandle) Consumer() BlockConsumer { return h.consumer }

// Close stops and deregisters the IOProc. Both steps are attempted
// even if the first fails. Later calls return nil.
func (h *CallbackHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if err := h.platform.StopDevice(h.device, h.id); err != nil {
		errs = append(errs, fmt.Errorf("stopping IOProc %d on device %d: %w", h.id, h.device, err))
	}
	if err := h.platform.DeregisterCallback(h.device, h.id); err != nil {
		errs = append(errs, fmt.Errorf("deregistering IOProc %d: %w", h.id, err))
	}
	return errors.Join(errs...)
}
