package audio

import "errors"

var (
	// ErrSetupFailed wraps any failure while building the shared tap.
	ErrSetupFailed = errors.New("tap setup failed")

	ErrNoOutputDevice  = errors.New("no default output device")
	ErrInvalidFormat   = errors.New("invalid stream format")
	ErrInvalidState    = errors.New("invalid recorder state")
	ErrManagerClosed   = errors.New("tap manager closed")
	ErrSessionsActive  = errors.New("tap sessions still active")
	ErrSessionReleased = errors.New("session already released")
	ErrExecutorClosed  = errors.New("executor closed")
	ErrRecorderClosed  = errors.New("recorder closed")
	ErrNoRecording     = errors.New("no recording")

	// ErrRecordingFailed is reported when a recording ends with ExplicitError
	// and no more specific cause was attached.
	ErrRecordingFailed = errors.New("recording failed")

	errMisalignedBlock = errors.New("hardware block not aligned to channel count")
)
