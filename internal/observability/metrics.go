package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_active_sessions",
		Help: "Number of open relay WebSocket sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_relay_sessions_total",
		Help: "Total number of relay sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	sessionEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_session_ends_total",
		Help: "Relay sessions ended, by reason",
	}, []string{"reason"})

	// STT metrics
	sttStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_stt_starts_total",
		Help: "Recognition stream starts, by provider and status",
	}, []string{"provider", "status"})

	sttStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_stt_start_latency_seconds",
		Help:    "Time to open a recognition stream",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	firstResultLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_first_result_latency_seconds",
		Help:    "Time from first audio frame to first transcript",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	transcripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_transcripts_total",
		Help: "Transcripts relayed to clients, by kind",
	}, []string{"kind"}) // kind: "final" or "interim"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (from client) or "stt" (to provider)
)

// SessionMetrics tracks metrics for a single relay session
type SessionMetrics struct {
	sessionID      string
	provider       string
	startTime      time.Time
	sttStartTime   time.Time
	firstAudioTime time.Time
	gotFirstResult bool
	mu             sync.Mutex
}

// NewSessionMetrics creates a metrics tracker and counts the session as open
func NewSessionMetrics(sessionID, provider string) *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		provider:  provider,
		startTime: time.Now(),
	}
}

// RecordSessionEnd records the end of a session with its reason
func (m *SessionMetrics) RecordSessionEnd(reason string) {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
	sessionEnds.WithLabelValues(reason).Inc()
}

// RecordSTTStart marks the beginning of a recognition stream start
func (m *SessionMetrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTStarted records the outcome of a recognition stream start
func (m *SessionMetrics) RecordSTTStarted(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttStartLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	sttStarts.WithLabelValues(m.provider, status).Inc()
}

// RecordAudioIn records audio received from the client
func (m *SessionMetrics) RecordAudioIn(bytes int) {
	m.mu.Lock()
	if m.firstAudioTime.IsZero() {
		m.firstAudioTime = time.Now()
	}
	m.mu.Unlock()
	audioBytesProcessed.WithLabelValues("in").Add(float64(bytes))
}

// RecordAudioForwarded records audio handed to the STT provider
func (m *SessionMetrics) RecordAudioForwarded(bytes int) {
	audioBytesProcessed.WithLabelValues("stt").Add(float64(bytes))
}

// RecordTranscript records a transcript relayed to the client
func (m *SessionMetrics) RecordTranscript(final bool) {
	m.mu.Lock()
	if !m.gotFirstResult && !m.firstAudioTime.IsZero() {
		firstResultLatency.Observe(time.Since(m.firstAudioTime).Seconds())
		m.gotFirstResult = true
	}
	m.mu.Unlock()

	kind := "interim"
	if final {
		kind = "final"
	}
	transcripts.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
