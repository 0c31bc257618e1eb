package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Model lifecycle metrics
	ModelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cortex_models_total",
			Help: "Number of declared models by state",
		},
		[]string{"state"},
	)

	ModelStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_model_starts_total",
			Help: "Model start attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Gateway metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_requests_total",
			Help: "Proxied client requests by served name and status",
		},
		[]string{"served_name", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"served_name"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_rate_limited_total",
			Help: "Requests refused by the rate limiter",
		},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_auth_failures_total",
			Help: "Authentication and scope refusals by code",
		},
		[]string{"code"},
	)

	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_streams_active",
			Help: "Streamed responses currently in flight",
		},
	)

	// Health metrics
	UpstreamsHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_upstreams_healthy",
			Help: "Upstreams with a fresh OK verdict",
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_probes_total",
			Help: "Health probes by outcome",
		},
		[]string{"outcome"},
	)

	BreakerOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_breaker_open_total",
			Help: "Circuit breaker open transitions",
		},
	)

	// Usage metrics
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_tokens_total",
			Help: "Prompt and completion tokens by served name",
		},
		[]string{"served_name", "kind"},
	)
)

func init() {
	prometheus.MustRegister(ModelsTotal)
	prometheus.MustRegister(ModelStartsTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(AuthFailuresTotal)
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(UpstreamsHealthy)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(BreakerOpenTotal)
	prometheus.MustRegister(TokensTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
