// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocsIndexedTotal     *prometheus.CounterVec
	DocsRemovedTotal     prometheus.Counter
	LiveConnections      prometheus.Gauge
	BroadcastsTotal      *prometheus.CounterVec
	ResyncsTotal         *prometheus.CounterVec
	ResyncInProgress     prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, empty_query, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"kind"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intersection_cache_hits_total",
				Help: "Multi-term or boosted searches served from an existing cache set.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intersection_cache_misses_total",
				Help: "Multi-term or boosted searches that computed a new cache set.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "issues_indexed_total",
				Help: "Issues indexed by outcome (written, refreshed).",
			},
			[]string{"outcome"},
		),
		DocsRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "issues_removed_total",
				Help: "Issues removed from the index.",
			},
		),
		LiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "live_connections",
				Help: "Number of connected websocket clients.",
			},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "live_messages_total",
				Help: "Messages pushed to live clients by type (update, updateraw, updatesearch).",
			},
			[]string{"type"},
		),
		ResyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resyncs_total",
				Help: "Full resync attempts by status (done, failed, rejected).",
			},
			[]string{"status"},
		),
		ResyncInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resync_in_progress",
				Help: "1 while a full resync is running.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.HTTPRequestsInFlight,
			m.SearchQueriesTotal,
			m.SearchLatency,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.DocsIndexedTotal,
			m.DocsRemovedTotal,
			m.LiveConnections,
			m.BroadcastsTotal,
			m.ResyncsTotal,
			m.ResyncInProgress,
			m.CircuitBreakerState,
		)
	}

	return m
}

// Handler returns the Prometheus scrape HTTP handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
