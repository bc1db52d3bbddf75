// Package metrics provides Prometheus instrumentation for the API gateway.
// All metric collectors are registered on init via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by service, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by service and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// ActiveConnections tracks the number of in-flight proxied requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections by request path.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"path"},
	)

	// RateLimitStoreErrors counts failures talking to the shared rate-limit store.
	RateLimitStoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_store_errors_total",
			Help: "Total rate-limit store failures (local fallback limiter engaged)",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// CircuitBreakerState reports the current state per backend service
	// (0 = closed, 1 = open, 2 = half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by backend and edge.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	// CircuitBreakerRejections counts fast-fail rejections by an open breaker.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Total requests rejected by an open circuit breaker",
		},
		[]string{"backend"},
	)

	// UpstreamErrors counts upstream failures by service and kind
	// (connect, timeout, protocol, status_5xx).
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total upstream request failures",
		},
		[]string{"service", "kind"},
	)

	// RetryTotal counts outbound retry attempts by service.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Total outbound retry attempts",
		},
		[]string{"service"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		RateLimitStoreErrors,
		AuthFailures,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		UpstreamErrors,
		RetryTotal,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
