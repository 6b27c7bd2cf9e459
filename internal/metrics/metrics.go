package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eversaid_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eversaid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eversaid_http_requests_in_flight",
			Help: "Requests currently being served, including proxied uploads.",
		},
	)

	RateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eversaid_ratelimit_checks_total",
			Help: "Rate limit checks by action, outcome and exceeded tier.",
		},
		[]string{"action", "outcome", "limit_type"},
	)

	RateLimitCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eversaid_ratelimit_commits_total",
			Help: "Pending reservations committed after a successful upstream call.",
		},
		[]string{"action"},
	)

	SessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eversaid_session_events_total",
			Help: "Anonymous session lifecycle transitions.",
		},
		[]string{"event"},
	)

	TokenServiceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eversaid_token_service_request_duration_seconds",
			Help:    "Core API auth call latency by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		RateLimitChecksTotal,
		RateLimitCommitsTotal,
		SessionEventsTotal,
		TokenServiceRequestDuration,
	)
}
