package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (debug server)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairlink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairlink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session lifecycle
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairlink_connect_attempts_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"outcome"}, // "ok" or "fail"
	)

	SessionsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairlink_sessions_ended_total",
			Help: "Sessions terminated by either side",
		},
	)

	// Message flow
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairlink_messages_sent_total",
			Help: "Locally authored messages",
		},
	)

	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairlink_messages_received_total",
			Help: "Peer messages accepted and persisted",
		},
	)

	EchoesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairlink_echoes_discarded_total",
			Help: "Self-echoes filtered before persistence",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairlink_publish_failures_total",
			Help: "Publish attempts that failed after retries",
		},
	)

	ListenerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairlink_listener_panics_total",
			Help: "Listener callbacks recovered from panic",
		},
	)
)
