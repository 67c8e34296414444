package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "uplink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by role and outcome; failures carry the error type.",
		},
		[]string{"role", "outcome", "error_type"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "uplink",
			Subsystem: "session",
			Name:      "active",
			Help:      "Established sessions.",
		},
		[]string{"role"},
	)
	blocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "session",
			Name:      "message_blocks_total",
			Help:      "Application message blocks by role and direction.",
		},
		[]string{"role", "direction"},
	)
	blockBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "session",
			Name:      "message_block_bytes_total",
			Help:      "Application payload bytes by role and direction.",
		},
		[]string{"role", "direction"},
	)
	goodbyes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "session",
			Name:      "goodbyes_received_total",
			Help:      "Goodbye frames received; regular goodbyes use error_type=none.",
		},
		[]string{"role", "error_type"},
	)
	heartbeatRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "uplink",
			Subsystem: "heartbeat",
			Name:      "rtt_seconds",
			Help:      "Heartbeat round trip time in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	outboxRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "outbox",
			Name:      "rejected_total",
			Help:      "Outgoing blocks rejected because their priority queue was full.",
		},
		[]string{"role", "priority"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uplink",
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Client connect attempts by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			handshakes,
			activeSessions,
			blocks,
			blockBytes,
			goodbyes,
			heartbeatRTT,
			outboxRejected,
			connectAttempts,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHandshake counts one handshake; errorType is empty on success.
func RecordHandshake(role string, errorType string) {
	RegisterMetrics()
	outcome := "completed"
	if errorType != "" {
		outcome = "refused"
	} else {
		errorType = "none"
	}
	handshakes.WithLabelValues(role, outcome, errorType).Inc()
}

func SessionOpened(role string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(role).Inc()
}

func SessionClosed(role string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(role).Dec()
}

// RecordBlock counts one application block; direction is "in" or "out".
func RecordBlock(role, direction string, size int) {
	RegisterMetrics()
	blocks.WithLabelValues(role, direction).Inc()
	blockBytes.WithLabelValues(role, direction).Add(float64(size))
}

func RecordGoodbye(role string, errorType string) {
	RegisterMetrics()
	if errorType == "" {
		errorType = "none"
	}
	goodbyes.WithLabelValues(role, errorType).Inc()
}

func RecordHeartbeatRTT(rtt time.Duration) {
	RegisterMetrics()
	heartbeatRTT.Observe(rtt.Seconds())
}

func RecordOutboxRejected(role, priority string) {
	RegisterMetrics()
	outboxRejected.WithLabelValues(role, priority).Inc()
}

func RecordConnectAttempt(success bool) {
	RegisterMetrics()
	result := "failed"
	if success {
		result = "connected"
	}
	connectAttempts.WithLabelValues(result).Inc()
}
