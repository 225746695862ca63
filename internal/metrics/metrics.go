// Package metrics defines the Prometheus collectors exported by pacrelay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_requests_total",
			Help: "Proxied requests by method, chosen route and outcome.",
		},
		[]string{"method", "route", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacrelay_request_duration_seconds",
			Help:    "Request duration in seconds, including tunnel lifetime.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RequestsByDomain = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_requests_by_domain_total",
			Help: "Request count per destination domain.",
		},
		[]string{"domain", "route"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_bytes_sent_total",
			Help: "Total bytes sent to clients.",
		},
		[]string{"route"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_bytes_received_total",
			Help: "Total bytes received from clients.",
		},
		[]string{"route"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacrelay_active_connections",
			Help: "Number of requests currently being handled.",
		},
	)

	ActiveTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacrelay_active_tunnels",
			Help: "Number of CONNECT tunnels currently relaying.",
		},
	)

	RouteAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_route_attempts_total",
			Help: "Route entries tried, by entry kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ResolverReloadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_resolver_reload_total",
			Help: "Count of route resolver reloads.",
		},
		[]string{"status"},
	)

	ResolverQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacrelay_resolver_queue_depth",
			Help: "Routing queries waiting for the PAC evaluator.",
		},
	)

	ResolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacrelay_resolve_duration_seconds",
			Help:    "Time spent evaluating one routing query.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"status"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacrelay_upstream_errors_total",
			Help: "Count of errors connecting to upstream proxies.",
		},
		[]string{"upstream"},
	)
)

// All collects all metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		RequestsByDomain,
		BytesSent,
		BytesReceived,
		ActiveConnections,
		ActiveTunnels,
		RouteAttempts,
		ResolverReloadTotal,
		ResolverQueueDepth,
		ResolveDuration,
		UpstreamErrors,
	}
}

// RegisterOn registers all metrics on the given registry.
func RegisterOn(reg prometheus.Registerer) {
	for _, c := range All() {
		reg.MustRegister(c)
	}
}

// Register registers all metrics on the default registry.
func Register() {
	RegisterOn(prometheus.DefaultRegisterer)
}
