package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

func TestRecordingFinished(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewRecorderMetrics(registry)
	require.NoError(t, err)

	format := audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 32}

	m.RecordingStarted()
	m.RecordingStarted()
	m.RecordingFinished(audio.Result{Format: format, Frames: 48000, State: audio.StateSucceeded, Reason: audio.StopUserRequested})
	m.RecordingFinished(audio.Result{Format: format, Frames: 96000, State: audio.StateSucceeded, Reason: audio.StopBufferFull})
	m.RecordingFinished(audio.Result{State: audio.StateFailed, Reason: audio.StopNone, Err: errors.New("setup")})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordingsStarted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordingsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.recordingsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stopReasonsTotal.WithLabelValues("buffer_full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stopReasonsTotal.WithLabelValues("none")))
	assert.Equal(t, float64(144000), testutil.ToFloat64(m.framesCaptured))
	assert.Equal(t, 1, testutil.CollectAndCount(m.recordingDuration))
}

func TestTapSessionsChanged(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewRecorderMetrics(registry)
	require.NoError(t, err)

	for _, n := range []int{1, 2, 1, 0} {
		m.TapSessionsChanged(n)
	}

	assert.Equal(t, float64(0), testutil.ToFloat64(m.tapSessionsActive))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.tapSessionsChanges))
}

func TestDoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewRecorderMetrics(registry)
	require.NoError(t, err)

	_, err = NewRecorderMetrics(registry)
	assert.Error(t, err)
}
