// Package metrics defines the Prometheus metrics for the voice relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice relay service.
// Recording methods tolerate a nil receiver so tests can run without a
// registry.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsEnded    prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Audio metrics
	AudioChunksForwarded prometheus.Counter
	AudioBytesForwarded  prometheus.Counter
	NormalizeFailures    prometheus.Counter
	TurnsCompleted       prometheus.Counter
	ResponseAudioBytes   prometheus.Counter

	// Upstream metrics
	UpstreamErrors prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Current number of active voice sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_created_total",
			Help: "Total number of voice sessions created",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_ended_total",
			Help: "Total number of voice sessions torn down",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Distribution of voice session lifetimes",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		}),

		AudioChunksForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_forwarded_total",
			Help: "Total number of client audio chunks forwarded upstream",
		}),
		AudioBytesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_bytes_forwarded_total",
			Help: "Total client audio bytes received before normalization",
		}),
		NormalizeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_normalize_failures_total",
			Help: "Total number of audio chunks dropped by normalization failures",
		}),
		TurnsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_turns_completed_total",
			Help: "Total number of completed model turns flushed to clients",
		}),
		ResponseAudioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_response_audio_bytes_total",
			Help: "Total PCM bytes of model response audio flushed to clients",
		}),

		UpstreamErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_upstream_errors_total",
			Help: "Total number of upstream streaming errors",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP API errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SessionStarted records a new voice session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a torn-down session and its lifetime.
func (m *Metrics) SessionEnded(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// AudioChunkForwarded records one client chunk forwarded upstream.
func (m *Metrics) AudioChunkForwarded(rawBytes int) {
	if m == nil {
		return
	}
	m.AudioChunksForwarded.Inc()
	m.AudioBytesForwarded.Add(float64(rawBytes))
}

// NormalizeFailure records a dropped audio chunk.
func (m *Metrics) NormalizeFailure() {
	if m == nil {
		return
	}
	m.NormalizeFailures.Inc()
}

// TurnCompleted records one flushed model turn.
func (m *Metrics) TurnCompleted(pcmBytes int) {
	if m == nil {
		return
	}
	m.TurnsCompleted.Inc()
	m.ResponseAudioBytes.Add(float64(pcmBytes))
}

// UpstreamError records an upstream streaming error.
func (m *Metrics) UpstreamError() {
	if m == nil {
		return
	}
	m.UpstreamErrors.Inc()
}

// RecordHTTPRequest records an HTTP API request with its outcome.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records an HTTP API error by category.
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
