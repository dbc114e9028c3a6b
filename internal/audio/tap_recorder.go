package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// DefaultMaxDuration bounds a recording when no limit is configured.
const DefaultMaxDuration = 10 * time.Minute

// The state word packs the recording generation above the state so that a
// trigger holding an older generation can never win a CAS.
const stateBits = 8

func packState(gen uint64, s State) uint64 { return gen<<stateBits | uint64(s) }

func unpackState(w uint64) (uint64, State) {
	return w >> stateBits, State(w & (1<<stateBits - 1))
}

// RecorderConfig holds recorder limits
type RecorderConfig struct {
	MaxDuration time.Duration
}

// TapRecorder records system audio through the shared tap owned by a
// TapManager. Start, Stop and Close may be called from any goroutine; the
// stop sequence always runs on the recorder's executor.
type TapRecorder struct {
	manager     *TapManager
	platform    Platform
	writer      SampleWriter
	observer    Observer
	maxDuration time.Duration
	exec        *Executor

	lifecycle sync.Mutex // serializes Start and Close
	word      atomic.Uint64
	current   atomic.Pointer[recording]
	closed    atomic.Bool
}

var _ Recorder = (*TapRecorder)(nil)

// NewTapRecorder creates an idle recorder.
func NewTapRecorder(manager *TapManager, writer SampleWriter, cfg RecorderConfig, observer Observer) *TapRecorder {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &TapRecorder{
		manager:     manager,
		platform:    manager.platform,
		writer:      writer,
		observer:    observer,
		maxDuration: cfg.MaxDuration,
		exec:        NewExecutor("tap-recorder", 16),
	}
}

type stopRequest struct {
	reason StopReason
	cause  error
}

// recording is one start-to-terminal attempt.
type recording struct {
	gen         uint64
	id          uuid.UUID
	destination string
	startedAt   time.Time

	session  *SessionHandle
	callback *CallbackHandle
	sink     *captureSink

	reason  atomic.Uint32
	cause   error // written by the CAS winner before finalize is queued
	pending atomic.Pointer[stopRequest]

	stopWatch chan struct{}
	watchers  conc.WaitGroup

	done   chan struct{}
	result Result
}

func (rec *recording) stopReason() StopReason {
	return StopReason(rec.reason.Load())
}

// captureSink is the IOProc consumer. It reports buffer state through
// one-slot channels and never blocks.
type captureSink struct {
	buf   *CaptureBuffer
	full  chan struct{}
	fault chan struct{}
}

func newCaptureSink(buf *CaptureBuffer) *captureSink {
	return &captureSink{
		buf:   buf,
		full:  make(chan struct{}, 1),
		fault: make(chan struct{}, 1),
	}
}

func (s *captureSink) Consume(samples []float32) {
	switch s.buf.Process(samples) {
	case WriteFull:
		select {
		case s.full <- struct{}{}:
		default:
		}
	case WriteMisaligned:
		select {
		case s.fault <- struct{}{}:
		default:
		}
	}
}

// Start begins a new recording into destination. It fails with
// ErrInvalidState unless the recorder is idle or the previous recording has
// finished. Setup failures are rolled back and leave the recorder Failed.
func (r *TapRecorder) Start(destination string) error {
	_, err := r.Begin(destination)
	return err
}

// Attempt is one recording started by Begin.
type Attempt struct {
	rec *recording
}

// ID identifies the recording in its Result.
func (a *Attempt) ID() uuid.UUID { return a.rec.id }

// Wait blocks until this recording reaches a terminal state, even if the
// recorder has moved on to a later one.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	return a.rec.wait(ctx)
}

// Begin is Start returning a handle on the recording it started.
func (r *TapRecorder) Begin(destination string) (*Attempt, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.closed.Load() {
		return nil, ErrRecorderClosed
	}

	word := r.word.Load()
	gen, state := unpackState(word)
	if !state.Startable() {
		return nil, fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}

	rec := &recording{
		gen:         gen + 1,
		id:          uuid.New(),
		destination: destination,
		startedAt:   time.Now(),
		stopWatch:   make(chan struct{}),
		done:        make(chan struct{}),
	}
	if !r.word.CompareAndSwap(word, packState(rec.gen, StateStarting)) {
		return nil, fmt.Errorf("%w: state changed concurrently", ErrInvalidState)
	}
	r.current.Store(rec)

	slog.Debug("Starting recording", "id", rec.id, "destination", destination)

	if err := r.setup(rec); err != nil {
		slog.Error("Failed to start recording", "id", rec.id, "error", err)
		r.complete(rec, Result{
			ID:          rec.id,
			Destination: destination,
			State:       StateFailed,
			Reason:      StopNone,
			Err:         err,
			StartedAt:   rec.startedAt,
			StoppedAt:   time.Now(),
		})
		return nil, err
	}

	// The watcher joins before any stop can win, so finalize's Wait never
	// races its Add.
	rec.watchers.Go(func() { r.watch(rec) })
	r.word.Store(packState(rec.gen, StateRecording))
	r.observer.RecordingStarted()

	slog.Info("Recording started",
		"id", rec.id,
		"destination", destination,
		"format", rec.session.Format(),
		"max_duration", r.maxDuration)

	if req := rec.pending.Swap(nil); req != nil {
		r.requestStop(rec, req.reason, req.cause)
	}
	return &Attempt{rec: rec}, nil
}

// setup acquires everything a recording needs, releasing what it already
// holds when a later step fails.
func (r *TapRecorder) setup(rec *recording) (err error) {
	session, err := r.manager.Reserve()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			session.Release()
		}
	}()

	format := session.Format()
	if !format.Valid() {
		return fmt.Errorf("%w: %w: %s", ErrSetupFailed, ErrInvalidFormat, format)
	}

	buf, err := NewCaptureBuffer(format, r.maxDuration)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	sink := newCaptureSink(buf)

	callback, err := NewCallbackHandle(r.platform, session.AggregateDeviceID(), sink)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	defer func() {
		if err != nil {
			if cerr := callback.Close(); cerr != nil {
				slog.Warn("Failed to roll back IOProc", "error", cerr)
			}
		}
	}()

	err = session.RegisterPropertyListener(func(reason PropertyChangeReason) {
		slog.Info("Tapped device changed", "id", rec.id, "change", reason)
		r.requestStop(rec, reason.StopReason(), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	rec.session, rec.callback, rec.sink = session, callback, sink
	return nil
}

// watch turns buffer signals raised on the real-time goroutine into stop
// requests.
func (r *TapRecorder) watch(rec *recording) {
	for {
		select {
		case <-rec.sink.full:
			slog.Info("Capture buffer full", "id", rec.id, "frames", rec.sink.buf.Frames())
			r.requestStop(rec, StopBufferFull, nil)
		case <-rec.sink.fault:
			r.requestStop(rec, StopExplicitError, errMisalignedBlock)
		case <-rec.stopWatch:
			return
		}
	}
}

// requestStop moves rec from Recording to Stopping. Only the caller that
// claims the stop reason leaves Recording and queues finalize, so the reason
// is visible before the state reads Stopping. Requests arriving while rec is
// still starting are held until it reaches Recording.
func (r *TapRecorder) requestStop(rec *recording, reason StopReason, cause error) bool {
	for {
		word := r.word.Load()
		gen, state := unpackState(word)
		if gen != rec.gen {
			return false
		}

		switch state {
		case StateStarting:
			rec.pending.CompareAndSwap(nil, &stopRequest{reason: reason, cause: cause})
			if r.word.Load() == word {
				return false
			}
		case StateRecording:
			if !rec.reason.CompareAndSwap(uint32(StopNone), uint32(reason)) {
				return false
			}
			rec.cause = cause
			// Only the reason holder moves rec out of Recording.
			r.word.Store(packState(gen, StateStopping))
			slog.Debug("Stopping recording", "id", rec.id, "reason", reason)
			r.dispatchFinalize(rec)
			return true
		default:
			return false
		}
	}
}

// dispatchFinalize queues finalize on the executor. Close drains every
// recording before it closes the executor, so Submit only fails if that
// ordering is broken.
func (r *TapRecorder) dispatchFinalize(rec *recording) {
	if err := r.exec.Submit(func() { r.finalize(rec) }); err != nil {
		slog.Error("Recording cannot be finalized", "id", rec.id, "error", err)
	}
}

// finalize tears the recording down in reverse order of setup and persists
// the captured samples. It runs once per recording, on the executor.
func (r *TapRecorder) finalize(rec *recording) {
	rec.session.UnregisterPropertyListener()
	if err := rec.callback.Close(); err != nil {
		slog.Warn("Failed to stop IOProc cleanly", "id", rec.id, "error", err)
	}
	close(rec.stopWatch)
	rec.watchers.Wait()

	samples := rec.sink.buf.Finalize()
	format := rec.session.Format()
	reason := rec.stopReason()

	state := StateSucceeded
	var err error
	if reason == StopExplicitError {
		state = StateFailed
		err = rec.cause
		if err == nil {
			err = ErrRecordingFailed
		}
	}

	if werr := r.writer.WriteSamples(format, rec.destination, samples); werr != nil {
		state = StateFailed
		err = errors.Join(err, fmt.Errorf("persisting recording to %s: %w", rec.destination, werr))
	}

	rec.session.Release()

	r.complete(rec, Result{
		ID:          rec.id,
		Destination: rec.destination,
		Format:      format,
		Frames:      len(samples) / format.Channels,
		State:       state,
		Reason:      reason,
		Err:         err,
		StartedAt:   rec.startedAt,
		StoppedAt:   time.Now(),
	})
}

func (r *TapRecorder) complete(rec *recording, res Result) {
	rec.result = res
	r.word.Store(packState(rec.gen, res.State))
	r.observer.RecordingFinished(res)
	close(rec.done)

	if res.Err != nil {
		slog.Error("Recording failed", "id", res.ID, "state", res.State, "reason", res.Reason, "error", res.Err)
		return
	}
	slog.Info("Recording finished",
		"id", res.ID,
		"destination", res.Destination,
		"frames", res.Frames,
		"duration", res.Duration(),
		"reason", res.Reason)
}

// Stop ends the current recording. Calling it when nothing is recording, or
// while a stop is already in progress, does nothing.
func (r *TapRecorder) Stop() {
	if rec := r.current.Load(); rec != nil {
		r.requestStop(rec, StopUserRequested, nil)
	}
}

// Abort ends the current recording with an explicit error. The recording is
// still persisted but finishes Failed.
func (r *TapRecorder) Abort(err error) {
	if rec := r.current.Load(); rec != nil {
		r.requestStop(rec, StopExplicitError, err)
	}
}

// State returns the current state.
func (r *TapRecorder) State() State {
	_, s := unpackState(r.word.Load())
	return s
}

// StopReason returns the reason of the current or last recording.
func (r *TapRecorder) StopReason() StopReason {
	if rec := r.current.Load(); rec != nil {
		return rec.stopReason()
	}
	return StopNone
}

func (r *TapRecorder) IsRecording() bool {
	s := r.State()
	return s == StateRecording || s == StateStopping
}

func (r *TapRecorder) HasFinished() bool {
	return r.State().Terminal()
}

// LastResult returns the result of the most recent finished recording.
func (r *TapRecorder) LastResult() (Result, bool) {
	rec := r.current.Load()
	if rec == nil {
		return Result{}, false
	}
	select {
	case <-rec.done:
		return rec.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the current recording reaches a terminal state and
// returns its result. The returned error is the recording's error, or the
// context's if it ends first.
func (r *TapRecorder) Wait(ctx context.Context) (Result, error) {
	rec := r.current.Load()
	if rec == nil {
		return Result{}, ErrNoRecording
	}
	return rec.wait(ctx)
}

func (rec *recording) wait(ctx context.Context) (Result, error) {
	select {
	case <-rec.done:
		return rec.result, rec.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops an active recording, waits for it to be persisted and shuts the
// executor down. The recorder cannot be started again.
func (r *TapRecorder) Close() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.closed.Swap(true) {
		return nil
	}

	if rec := r.current.Load(); rec != nil {
		r.requestStop(rec, StopUserRequested, nil)
		<-rec.done
	}
	r.exec.Close()
	slog.Debug("Recorder closed")
	return nil
}
