// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// This package implements the per-turn metrics surface: request counters,
// token usage, latency histograms, active stream gauges, and retrieval
// counters. Metrics are exposed via the /metrics endpoint and are meant
// for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "subchat"

// Subsystem for conversation turn metrics.
const chatSubsystem = "chat"

// ChatMetrics holds the Prometheus metrics for conversation turns.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring turn processing
// across the blocking, SSE and websocket endpoints. Initialize once at
// startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ChatMetrics struct {
	// TurnsTotal counts completed turns by endpoint and status.
	// Labels: endpoint (messages, messages_stream, ws), status (success, error)
	TurnsTotal *prometheus.CounterVec

	// TokensTotal counts approximate tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first response token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// TurnDurationSeconds measures full turn latency including retrieval,
	// the LM call and post-completion bookkeeping.
	// Labels: endpoint, status (success, error)
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming turns.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts turn failures by category.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE heartbeat pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// RetrievedRecords measures archive records injected per turn, observed
	// only on turns where retrieval ran.
	// Labels: endpoint
	RetrievedRecords *prometheus.HistogramVec

	// SummarizationsTotal counts rolling-summary cycles consumed.
	SummarizationsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of ChatMetrics, nil until
// InitMetrics runs. Callers nil-check it so unit tests can run without
// touching the global registry.
var DefaultMetrics *ChatMetrics

var initMetricsOnce sync.Once

// InitMetrics initializes and registers the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics on the default registry.
// Call once at application startup; repeat calls return the existing
// instance instead of re-registering.
//
// # Outputs
//
//   - *ChatMetrics: The initialized metrics instance.
func InitMetrics() *ChatMetrics {
	initMetricsOnce.Do(func() {
		DefaultMetrics = &ChatMetrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "turns_total",
					Help:      "Total conversation turns by endpoint and status",
				},
				[]string{"endpoint", "status"},
			),

			TokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "tokens_total",
					Help:      "Approximate tokens processed by direction and model",
				},
				[]string{"direction", "model"},
			),

			TimeToFirstTokenSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "time_to_first_token_seconds",
					Help:      "Time from turn submission to first response token",
					Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
				},
				[]string{"endpoint"},
			),

			TurnDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "turn_duration_seconds",
					Help:      "Full turn duration in seconds",
					Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
				},
				[]string{"endpoint", "status"},
			),

			ActiveStreams: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "active_streams",
					Help:      "Number of currently open streaming turns",
				},
				[]string{"endpoint"},
			),

			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "errors_total",
					Help:      "Total turn failures by endpoint and error code",
				},
				[]string{"endpoint", "error_code"},
			),

			KeepAlivesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "keepalives_total",
					Help:      "Total SSE heartbeat pings sent",
				},
				[]string{"endpoint"},
			),

			ClientDisconnectsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "client_disconnects_total",
					Help:      "Total client disconnections during streaming turns",
				},
				[]string{"endpoint"},
			),

			RetrievedRecords: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "retrieved_records",
					Help:      "Archive records injected per turn when retrieval ran",
					Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
				},
				[]string{"endpoint"},
			),

			SummarizationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: chatSubsystem,
					Name:      "summarizations_total",
					Help:      "Total rolling-summary cycles consumed",
				},
			),
		}
	})

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized turn failure for metrics.
type ErrorCode string

const (
	// ErrorCodeNotFound indicates an unknown or deleted node id.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeBadInput indicates request validation failure.
	ErrorCodeBadInput ErrorCode = "bad_input"

	// ErrorCodeLLMError indicates an LM provider failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodePoolExhausted indicates every LM pool slot was busy.
	ErrorCodePoolExhausted ErrorCode = "pool_exhausted"

	// ErrorCodeTimeout indicates an operation deadline expired.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates an unexpected internal error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client dropped mid-stream.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a turn endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointMessages is the blocking turn endpoint.
	EndpointMessages Endpoint = "messages"

	// EndpointMessagesStream is the SSE streaming turn endpoint.
	EndpointMessagesStream Endpoint = "messages_stream"

	// EndpointWebsocket is the websocket streaming variant.
	EndpointWebsocket Endpoint = "ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn.
func (m *ChatMetrics) RecordTurn(endpoint Endpoint, success bool) {
	m.TurnsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a categorized turn failure.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records approximate token usage for one turn.
func (m *ChatMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the first-token latency for one turn.
func (m *ChatMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordTurnDuration records the full turn latency.
func (m *ChatMetrics) RecordTurnDuration(endpoint Endpoint, seconds float64, success bool) {
	m.TurnDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive increments the heartbeat counter.
func (m *ChatMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordRetrieval records the archive record count for a turn where
// retrieval ran.
func (m *ChatMetrics) RecordRetrieval(endpoint Endpoint, records int) {
	m.RetrievedRecords.WithLabelValues(string(endpoint)).Observe(float64(records))
}

// RecordSummarization counts one consumed rolling-summary cycle.
func (m *ChatMetrics) RecordSummarization() {
	m.SummarizationsTotal.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
