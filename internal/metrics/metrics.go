// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Histogram buckets for runtime API latency. invocation/next blocks until the
// next event arrives and invocations can run for up to 15 minutes.
var invocationBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	AcceptErrors        prometheus.Counter

	UpstreamConnections prometheus.Counter
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamResponses   *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec

	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_proxy_http_requests_total",
			Help: "Total requests received from the handler process.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtime_proxy_http_request_duration_seconds",
			Help:    "Handler request latency in seconds, including the upstream round-trip.",
			Buckets: invocationBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_proxy_http_requests_in_flight",
			Help: "Number of handler requests currently being processed.",
		}),

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_proxy_connections_accepted_total",
			Help: "Total connections accepted from the handler process.",
		}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runtime_proxy_connections_active",
			Help: "Number of handler connections currently being served.",
		}),

		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_proxy_accept_errors_total",
			Help: "Total errors returned by the listener's accept call.",
		}),

		UpstreamConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runtime_proxy_upstream_connections_total",
			Help: "Total connections opened to the runtime API.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runtime_proxy_upstream_request_duration_seconds",
			Help:    "Runtime API round-trip latency in seconds.",
			Buckets: invocationBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_proxy_upstream_responses_total",
			Help: "Total runtime API responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_proxy_upstream_errors_total",
			Help: "Total failed runtime API exchanges by failing operation.",
		}, []string{"op"}),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_proxy_invocations_total",
			Help: "Total invocations observed, by outcome.",
		}, []string{"outcome"}),

		InvocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runtime_proxy_invocation_duration_seconds",
			Help:    "Time between an invocation event being delivered and its result being posted.",
			Buckets: invocationBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.AcceptErrors,
		m.UpstreamConnections,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.InvocationsTotal,
		m.InvocationDuration,
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

// Route names for runtime API paths. Paths are versioned
// (/2018-06-01/runtime/...) and carry request IDs, so labels use these.
const (
	RouteInvocationNext     = "invocation/next"
	RouteInvocationResponse = "invocation/response"
	RouteInvocationError    = "invocation/error"
	RouteInitError          = "init/error"
	RouteExtension          = "extension"
	RouteTelemetry          = "telemetry"
	RouteOther              = "other"
)

// NormalizePath returns a bounded route label for a runtime API path.
func NormalizePath(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	// parts[0] is the API version date.
	if len(parts) < 2 || !isVersion(parts[0]) {
		return RouteOther
	}

	switch parts[1] {
	case "runtime":
		switch {
		case len(parts) == 4 && parts[2] == "invocation" && parts[3] == "next":
			return RouteInvocationNext
		case len(parts) == 5 && parts[2] == "invocation" && parts[4] == "response":
			return RouteInvocationResponse
		case len(parts) == 5 && parts[2] == "invocation" && parts[4] == "error":
			return RouteInvocationError
		case len(parts) == 4 && parts[2] == "init" && parts[3] == "error":
			return RouteInitError
		}
	case "extension":
		return RouteExtension
	case "telemetry", "logs":
		return RouteTelemetry
	}
	return RouteOther
}

// isVersion reports whether s looks like a YYYY-MM-DD API version segment.
func isVersion(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, r := range s {
		if i == 4 || i == 7 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
