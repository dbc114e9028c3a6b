package audio

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// maxCaptureBytes caps a single preallocation at 2GB.
const maxCaptureBytes = 2 << 30

// WriteStatus is returned by CaptureBuffer.Process. It is the only channel through
// which the real-time path reports anything.
type WriteStatus int

const (
	WriteOK WriteStatus = iota
	// WriteFull is returned exactly once, by the write that ran out of room.
	WriteFull
	// WriteDropped is returned for every write after the buffer filled up.
	WriteDropped
	// WriteMisaligned means the block did not hold whole frames; nothing was copied.
	WriteMisaligned
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WriteFull:
		return "full"
	case WriteDropped:
		return "dropped"
	case WriteMisaligned:
		return "misaligned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CaptureBuffer is a fixed-capacity interleaved float32 store filled by a single
// real-time writer. The write cursor only moves forward until Reset.
type CaptureBuffer struct {
	samples  []float32
	channels int
	cursor   atomic.Int64
	full     atomic.Bool
}

// NewCaptureBuffer preallocates room for maxDuration of audio in format.
func NewCaptureBuffer(format Format, maxDuration time.Duration) (*CaptureBuffer, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	if maxDuration <= 0 {
		return nil, fmt.Errorf("invalid max duration: %s, must be greater than 0", maxDuration)
	}

	frames := int64(math.Ceil(format.SampleRate * maxDuration.Seconds()))
	size := frames * int64(format.Channels)
	if size*4 > maxCaptureBytes {
		return nil, fmt.Errorf("requested capture buffer too large: %d samples (%s at %s)", size, maxDuration, format)
	}

	return &CaptureBuffer{
		samples:  make([]float32, size),
		channels: format.Channels,
	}, nil
}

// Process appends one block. Safe to call from the real-time context: it never
// allocates, locks, or blocks. When the block does not fit, the part that does
// fit is kept before WriteFull is reported.
func (b *CaptureBuffer) Process(in []float32) WriteStatus {
	if len(in) == 0 {
		return WriteOK
	}
	if len(in)%b.channels != 0 {
		return WriteMisaligned
	}

	pos := b.cursor.Load()
	remaining := int64(len(b.samples)) - pos
	n := int64(len(in))

	if n <= remaining {
		copy(b.samples[pos:], in)
		b.cursor.Store(pos + n)
		return WriteOK
	}

	if remaining > 0 {
		copy(b.samples[pos:], in[:remaining])
		b.cursor.Store(pos + remaining)
	}
	if b.full.CompareAndSwap(false, true) {
		return WriteFull
	}
	return WriteDropped
}

// Finalize returns the written prefix. Call only after the writer has stopped.
func (b *CaptureBuffer) Finalize() []float32 {
	n := b.cursor.Load()
	return b.samples[:n:n]
}

// Reset rewinds the cursor for a new recording.
func (b *CaptureBuffer) Reset() {
	b.cursor.Store(0)
	b.full.Store(false)
}

// Len is the number of samples written so far.
func (b *CaptureBuffer) Len() int { return int(b.cursor.Load()) }

// Cap is the capacity in samples.
func (b *CaptureBuffer) Cap() int { return len(b.samples) }

// Frames is the number of complete frames written so far.
func (b *CaptureBuffer) Frames() int { return b.Len() / b.channels }

// Full reports whether a write has overflowed the buffer.
func (b *CaptureBuffer) Full() bool { return b.full.Load() }
