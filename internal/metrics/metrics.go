// Package metrics provides Prometheus metrics for fhirstore
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for fhirstore
type Metrics struct {
	Registry *prometheus.Registry

	// Transport metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	ValidationFailures     *prometheus.CounterVec
	IndexedResources       prometheus.Gauge

	// Query metrics
	SearchQueriesTotal  *prometheus.CounterVec
	SearchResultsTotal  *prometheus.CounterVec
	HistoryQueriesTotal *prometheus.CounterVec
	OperationsTotal     *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics on a fresh registry. Go runtime and process
// collectors are included so /metrics matches the default handler's output.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWith(reg)
}

// NewMetricsWith registers every metric on reg
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Registry:        reg,
		ServerStartTime: time.Now(),
	}

	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_requests_total",
			Help: "Total number of transport requests",
		},
		[]string{"transport", "method", "status"},
	)

	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_request_duration_seconds",
			Help:    "Duration of transport requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "method"},
	)

	m.RequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirstore_requests_in_flight",
			Help: "Number of requests currently being processed",
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"resource_type", "operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"resource_type", "operation"},
	)

	m.ValidationFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_validation_failures_total",
			Help: "Total number of writes rejected by validation",
		},
		[]string{"resource_type"},
	)

	m.IndexedResources = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirstore_indexed_resources",
			Help: "Number of live resources held by the search index",
		},
	)

	m.SearchQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_search_queries_total",
			Help: "Total number of search queries",
		},
		[]string{"resource_type"},
	)

	m.SearchResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_search_results_total",
			Help: "Total number of search matches returned",
		},
		[]string{"resource_type"},
	)

	m.HistoryQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_history_queries_total",
			Help: "Total number of history queries",
		},
		[]string{"scope"},
	)

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_operations_total",
			Help: "Total number of named operation invocations",
		},
		[]string{"operation", "status"},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge until ctx is done
func (m *Metrics) RunUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		}
	}
}

// RecordRequest records a transport request with its status
func (m *Metrics) RecordRequest(transport, method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(transport, method, status).Inc()
	m.RequestDuration.WithLabelValues(transport, method).Observe(duration.Seconds())
}

// ObserveOperation records a store operation
func (m *Metrics) ObserveOperation(resourceType, operation, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(resourceType, operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// ObserveValidationFailure counts a rejected write
func (m *Metrics) ObserveValidationFailure(resourceType string) {
	m.ValidationFailures.WithLabelValues(resourceType).Inc()
}

// ObserveSearch records a search and its match count
func (m *Metrics) ObserveSearch(resourceType string, matches int) {
	m.SearchQueriesTotal.WithLabelValues(resourceType).Inc()
	m.SearchResultsTotal.WithLabelValues(resourceType).Add(float64(matches))
}

// ObserveHistory counts a history query at instance, type or system scope
func (m *Metrics) ObserveHistory(scope string) {
	m.HistoryQueriesTotal.WithLabelValues(scope).Inc()
}

// ObserveIndexSize sets the indexed resource gauge
func (m *Metrics) ObserveIndexSize(n int) {
	m.IndexedResources.Set(float64(n))
}

// RecordOperation counts a named operation invocation
func (m *Metrics) RecordOperation(name, status string) {
	m.OperationsTotal.WithLabelValues(name, status).Inc()
}
