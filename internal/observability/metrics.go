package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Grocery backend metrics
	backendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_backend_calls_total",
		Help: "Total number of grocery backend tool calls",
	}, []string{"tool", "status"})

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rohlik_voice_backend_latency_seconds",
		Help:    "Grocery backend call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"tool"})

	// Chat completion metrics
	chatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_chat_requests_total",
		Help: "Total number of chat completion requests",
	}, []string{"status"})

	chatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rohlik_voice_chat_latency_seconds",
		Help:    "Chat completion latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	conversationTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_conversation_turns_total",
		Help: "Total number of conversation turns processed",
	}, []string{"outcome"})

	// Realtime metrics
	activeRealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rohlik_voice_realtime_sessions_active",
		Help: "Number of connected realtime sessions",
	})

	totalRealtimeSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rohlik_voice_realtime_sessions_total",
		Help: "Total number of realtime sessions opened",
	})

	realtimeSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rohlik_voice_realtime_session_duration_seconds",
		Help:    "Duration of realtime sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	functionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_function_calls_total",
		Help: "Total number of model function calls executed",
	}, []string{"flavor", "tool", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rohlik_voice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rohlik_voice_audio_bytes_total",
		Help: "Total audio bytes relayed",
	}, []string{"direction"}) // direction: "inbound" or "outbound"
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordBackendCall records one grocery backend call and its latency
func RecordBackendCall(tool string, start time.Time, success bool) {
	backendLatency.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	backendCalls.WithLabelValues(tool, statusLabel(success)).Inc()
}

// RecordChatRequest records one chat completion round trip
func RecordChatRequest(start time.Time, success bool) {
	chatLatency.Observe(time.Since(start).Seconds())
	chatRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordConversationTurn records the outcome of a conversation turn ("answered", "tool_calls", "error")
func RecordConversationTurn(outcome string) {
	conversationTurns.WithLabelValues(outcome).Inc()
}

// RecordFunctionCall records a dispatched model function call.
// flavor is "chat" or "realtime".
func RecordFunctionCall(flavor, tool string, success bool) {
	functionCalls.WithLabelValues(flavor, tool, statusLabel(success)).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes relayed in one direction
func RecordAudioBytes(direction string, bytes int) {
	audioBytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// SessionMetrics tracks metrics for a single realtime session
type SessionMetrics struct {
	startTime time.Time
}

// NewSessionMetrics records the start of a realtime session
func NewSessionMetrics() *SessionMetrics {
	activeRealtimeSessions.Inc()
	totalRealtimeSessions.Inc()
	return &SessionMetrics{startTime: time.Now()}
}

// End records the end of the session
func (m *SessionMetrics) End() {
	activeRealtimeSessions.Dec()
	realtimeSessionDuration.Observe(time.Since(m.startTime).Seconds())
}
