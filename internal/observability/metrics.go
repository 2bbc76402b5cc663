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
		Name: "interview_gateway_active_sessions",
		Help: "Number of active collaboration sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_sessions_total",
		Help: "Total number of collaboration sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_gateway_session_duration_seconds",
		Help:    "Duration of collaboration sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
	})

	sessionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_session_state_transitions_total",
		Help: "Total session state machine transitions",
	}, []string{"state"})

	// Capture metrics
	captureStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_capture_starts_total",
		Help: "Total capture process start attempts",
	}, []string{"status"})

	audioBytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_audio_bytes_total",
		Help: "Total aligned audio bytes forwarded downstream",
	})

	audioChunksForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_gateway_audio_chunks_total",
		Help: "Total aligned audio chunks forwarded downstream",
	})

	// Conversation metrics
	conversationTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_conversation_entries_total",
		Help: "Total conversation history entries appended",
	}, []string{"role"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// Metrics tracks metrics for a single collaboration session
type Metrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session; safe to call more than once
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStateTransition records a session state machine transition
func (m *Metrics) RecordStateTransition(state string) {
	sessionStateTransitions.WithLabelValues(state).Inc()
}

// RecordCaptureStart records a capture start attempt outcome
func (m *Metrics) RecordCaptureStart(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	captureStarts.WithLabelValues(status).Inc()
}

// RecordAudioChunk records an aligned audio chunk forwarded downstream
func (m *Metrics) RecordAudioChunk(bytes int) {
	audioBytesProcessed.Add(float64(bytes))
	audioChunksForwarded.Inc()
}

// RecordConversationEntry records an appended conversation history entry
func (m *Metrics) RecordConversationEntry(role string) {
	conversationTurns.WithLabelValues(role).Inc()
}

// RecordError records an error by type and component
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
