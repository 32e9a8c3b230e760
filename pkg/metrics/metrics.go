package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mop3_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mop3_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mop3_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mop3_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mop3_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	MessagesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mop3_messages_served_total",
			Help: "Total number of messages sent to POP3 clients with RETR",
		},
	)

	MailboxSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mop3_mailbox_messages",
			Help:    "Number of messages in POP3 mailbox snapshots",
			Buckets: []float64{0, 5, 10, 20, 40, 80, 160},
		},
	)

	PostsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mop3_posts_published_total",
			Help: "Total number of SMTP transactions by outcome",
		},
		[]string{"result"},
	)

	TranslationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mop3_translation_errors_total",
			Help: "Total number of failed translations between posts and messages",
		},
		[]string{"direction", "kind"},
	)
)

// Social network API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mop3_api_requests_total",
			Help: "Total number of social network API calls",
		},
		[]string{"backend", "operation", "result"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mop3_api_request_duration_seconds",
			Help:    "Duration of social network API calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mop3_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// ObserveAPICall records the outcome and latency of one API call.
func ObserveAPICall(backend, operation, result string, start time.Time) {
	APIRequestsTotal.WithLabelValues(backend, operation, result).Inc()
	APIRequestDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
