package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	// Agent-fleet metrics
	AgentsRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_agents_registered",
			Help: "Number of agents currently tracked, by kind and liveness",
		},
		[]string{"kind", "liveness"},
	)

	AgentDeathsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_agent_deaths_total",
			Help: "Total number of agents declared dead by the liveness tracker",
		},
		[]string{},
	)

	// Placement metrics
	PendingWorkersOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_pending_workers_outstanding",
			Help: "Number of scheduling decisions not yet drained by a get_next_jobs poll",
		},
	)

	PlacementCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_placement_cycle_duration_seconds",
			Help:    "Duration of one on_job_workers_needed_changed / on_agent_available_resources_changed cycle",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"trigger"},
	)

	ChooserInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_chooser_invocations_total",
			Help: "Total number of instance-type chooser invocations, by outcome",
		},
		[]string{"outcome"}, // "satisfied", "partial", "fail_fast"
	)

	CatalogAgeSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_catalog_age_seconds",
			Help: "Seconds since the instance-type catalog was last refreshed, by region",
		},
		[]string{"region"},
	)

	// Database metrics
	DatabaseConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "database_connections_active",
			Help: "Number of active database connections",
		},
		[]string{"service"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"service", "operation"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(service, method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(service, method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration)
}

// RecordPlacementCycle records how long one placement cycle took.
func RecordPlacementCycle(trigger string, duration float64) {
	PlacementCycleDuration.WithLabelValues(trigger).Observe(duration)
}

// RecordChooserInvocation records the outcome of one chooser call.
func RecordChooserInvocation(outcome string) {
	ChooserInvocationsTotal.WithLabelValues(outcome).Inc()
}
