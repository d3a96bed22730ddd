// Package metrics declares the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Number of currently active HTTP requests",
		},
	)

	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silent_letter_users_registered_total",
			Help: "Anonymous identities created",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silent_letter_messages_sent_total",
			Help: "Messages delivered to a random recipient",
		},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silent_letter_send_failures_total",
			Help: "Rejected or failed sends by error code",
		},
		[]string{"code"},
	)

	RepliesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "silent_letter_replies_total",
			Help: "Replies appended to received messages",
		},
	)

	DailyRewardsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silent_letter_daily_rewards_total",
			Help: "Daily rewards granted by claim path",
		},
		[]string{"path"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silent_letter_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter by policy",
		},
		[]string{"policy"},
	)

	RetentionReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silent_letter_retention_reaped_total",
			Help: "Records removed by the retention sweep",
		},
		[]string{"kind"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "silent_letter_websocket_connections",
			Help: "Open notification websocket connections",
		},
	)
)
