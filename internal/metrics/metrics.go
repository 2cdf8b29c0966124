package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokenmeter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_ai_requests_total",
			Help: "Total number of intercepted AI requests.",
		},
		[]string{"provider", "type"},
	)

	TokensRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_tokens_recorded_total",
			Help: "Total tokens recorded against user quotas.",
		},
		[]string{"provider"},
	)

	QuotaDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenmeter_quota_denials_total",
			Help: "Total number of requests rejected for exhausted quota.",
		},
	)

	UsageRecordFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenmeter_usage_record_failures_total",
			Help: "Total number of failed asynchronous usage recordings.",
		},
	)

	NearLimitUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenmeter_near_limit_users",
			Help: "Number of active users at or past their alert threshold.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AIRequestsTotal,
		TokensRecordedTotal,
		QuotaDenialsTotal,
		UsageRecordFailuresTotal,
		NearLimitUsers,
	)
}
