// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// NoRoute labels requests that did not resolve to a route.
const NoRoute = "none"

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	RelayedBytes prometheus.Counter

	EventsLogged  *prometheus.CounterVec
	EventsDropped prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portmap_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portmap_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portmap_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_proxy_upstream_failures_total",
			Help: "Upstream round trips that failed, by failure kind.",
		}, []string{"kind"}),

		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portmap_proxy_relayed_bytes_total",
			Help: "Response body bytes relayed to clients.",
		}),

		EventsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portmap_proxy_log_events_total",
			Help: "Log events written, by severity.",
		}, []string{"severity"}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portmap_proxy_log_events_dropped_total",
			Help: "Log events dropped because the event queue was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.RelayedBytes,
		m.EventsLogged,
		m.EventsDropped,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// RouteLabel returns the route label for a matched route key. Route keys come
// from the static table, so cardinality is bounded by configuration.
func RouteLabel(key string) string {
	if key == "" {
		return NoRoute
	}
	return key
}
