// Package metrics provides Prometheus metrics for monitoring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metrics exposed by a relay,
// directory, or client process.
type PrometheusMetrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Circuit metrics
	ActiveCircuits  prometheus.Gauge
	CircuitsCreated prometheus.Counter
	CircuitsClosed  prometheus.Counter
	CircuitDuration prometheus.Histogram

	// Relay traffic metrics
	BytesRelayed    prometheus.Counter
	PacketsRelayed  prometheus.Counter
	ExitFetches     prometheus.Counter
	ExitFetchErrors prometheus.Counter

	// Directory metrics
	RegistrySize prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitHits prometheus.Counter
	BannedIPs     prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates and registers all metrics.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "onionmesh",
				Name:      "active_connections",
				Help:      "Number of active TCP connections",
			},
		),

		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "connections_total",
				Help:      "Total number of TCP connections accepted",
			},
		),

		ActiveCircuits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "onionmesh",
				Name:      "active_circuits",
				Help:      "Number of circuits this node currently participates in",
			},
		),

		CircuitsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "circuits_created_total",
				Help:      "Total number of circuits created at this node",
			},
		),

		CircuitsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "circuits_closed_total",
				Help:      "Total number of circuits destroyed at this node",
			},
		),

		CircuitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "onionmesh",
				Name:      "circuit_duration_seconds",
				Help:      "Circuit lifetime duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),

		BytesRelayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "bytes_relayed_total",
				Help:      "Total bytes relayed across all circuits",
			},
		),

		PacketsRelayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "packets_relayed_total",
				Help:      "Total packets relayed across all circuits",
			},
		),

		ExitFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "exit_fetches_total",
				Help:      "Total outbound fetches performed as an exit hop",
			},
		),

		ExitFetchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "exit_fetch_errors_total",
				Help:      "Total outbound fetches that failed or timed out",
			},
		),

		RegistrySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "onionmesh",
				Name:      "directory_registry_size",
				Help:      "Number of relays currently registered with the directory",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "errors_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),

		PanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "panics_total",
				Help:      "Total number of panics recovered",
			},
		),

		RateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onionmesh",
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate limit hits",
			},
		),

		BannedIPs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "onionmesh",
				Name:      "banned_ips",
				Help:      "Number of currently banned IPs",
			},
		),
	}

	registry.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.ActiveCircuits,
		m.CircuitsCreated,
		m.CircuitsClosed,
		m.CircuitDuration,
		m.BytesRelayed,
		m.PacketsRelayed,
		m.ExitFetches,
		m.ExitFetchErrors,
		m.RegistrySize,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.RateLimitHits,
		m.BannedIPs,
	)

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordError records an error by code.
func (m *PrometheusMetrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}
