// Package observability exposes recorder activity as Prometheus metrics
package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/audiolibrelab/tapcapture/internal/audio"
)

// RecorderMetrics implements audio.Observer and prometheus.Collector.
type RecorderMetrics struct {
	recordingsStarted  prometheus.Counter
	recordingsTotal    *prometheus.CounterVec
	stopReasonsTotal   *prometheus.CounterVec
	framesCaptured     prometheus.Counter
	recordingDuration  prometheus.Histogram
	tapSessionsActive  prometheus.Gauge
	tapSessionsChanges prometheus.Counter
}

var _ audio.Observer = (*RecorderMetrics)(nil)

// NewRecorderMetrics creates the recorder metrics and registers them on registry.
func NewRecorderMetrics(registry prometheus.Registerer) (*RecorderMetrics, error) {
	m := &RecorderMetrics{
		recordingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapcapture_recordings_started_total",
			Help: "Total number of recordings that reached the recording state",
		}),
		recordingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapcapture_recordings_total",
				Help: "Total number of finished recordings by outcome",
			},
			[]string{"outcome"}, // succeeded, failed
		),
		stopReasonsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapcapture_stop_reasons_total",
				Help: "Total number of finished recordings by stop reason",
			},
			[]string{"reason"},
		),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapcapture_frames_captured_total",
			Help: "Total number of audio frames handed to persistence",
		}),
		recordingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tapcapture_recording_duration_seconds",
			Help:    "Captured audio length of finished recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1s to ~17min
		}),
		tapSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapcapture_tap_sessions_active",
			Help: "Number of outstanding tap sessions",
		}),
		tapSessionsChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapcapture_tap_session_changes_total",
			Help: "Total number of tap session reservations and releases",
		}),
	}

	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RecorderMetrics) TapSessionsChanged(active int) {
	m.tapSessionsActive.Set(float64(active))
	m.tapSessionsChanges.Inc()
}

func (m *RecorderMetrics) RecordingStarted() {
	m.recordingsStarted.Inc()
}

func (m *RecorderMetrics) RecordingFinished(res audio.Result) {
	m.recordingsTotal.WithLabelValues(strings.ToLower(res.State.String())).Inc()
	m.stopReasonsTotal.WithLabelValues(res.Reason.String()).Inc()
	if res.Frames > 0 {
		m.framesCaptured.Add(float64(res.Frames))
		m.recordingDuration.Observe(res.Duration().Seconds())
	}
}

// Describe implements prometheus.Collector
func (m *RecorderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.recordingsStarted.Describe(ch)
	m.recordingsTotal.Describe(ch)
	m.stopReasonsTotal.Describe(ch)
	m.framesCaptured.Describe(ch)
	m.recordingDuration.Describe(ch)
	m.tapSessionsActive.Describe(ch)
	m.tapSessionsChanges.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *RecorderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.recordingsStarted.Collect(ch)
	m.recordingsTotal.Collect(ch)
	m.stopReasonsTotal.Collect(ch)
	m.framesCaptured.Collect(ch)
	m.recordingDuration.Collect(ch)
	m.tapSessionsActive.Collect(ch)
	m.tapSessionsChanges.Collect(ch)
}
