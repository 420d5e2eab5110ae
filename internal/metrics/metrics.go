// Package metrics defines the Prometheus metrics exported by the edge
// server, grouped the way the corpus's observability packages do: plain
// package-level metric vars plus a MustRegister call made once at
// startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// ActiveTunnels tracks the current size of the Tunnel Registry.
	ActiveTunnels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunl_active_tunnels",
		Help: "Number of tunnels currently registered.",
	})

	// PendingRequests tracks the current size of the Pending Request Table.
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunl_pending_requests",
		Help: "Number of public HTTP requests currently awaiting a tunnel response.",
	})

	// RegistrationsTotal counts Register attempts, labeled by outcome.
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunl_registrations_total",
			Help: "Total number of tunnel registration attempts, labeled by outcome.",
		},
		[]string{"outcome"}, // ok, subdomain_taken, invalid_subdomain, invalid_api_key, tunnel_limit_reached, registration_failed
	)

	// EdgeRequestsTotal counts public HTTP requests dispatched by the edge,
	// labeled by the resulting status code class.
	EdgeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunl_edge_requests_total",
			Help: "Total number of public HTTP requests dispatched through the edge, labeled by status.",
		},
		[]string{"status"},
	)

	// EdgeRequestDurationSeconds is the round-trip latency from accepting
	// a public request to delivering its response.
	EdgeRequestDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tunl_edge_request_duration_seconds",
		Help:    "Histogram of edge request round-trip latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// MustRegister registers all package metrics with the default registry.
// Call once at server startup.
func MustRegister() {
	prometheus.MustRegister(
		ActiveTunnels,
		PendingRequests,
		RegistrationsTotal,
		EdgeRequestsTotal,
		EdgeRequestDurationSeconds,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
