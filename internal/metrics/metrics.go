// Package metrics defines the prometheus collectors exported by the exporter.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// Contact-center API request metrics
	APIRequestTotal    *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Token lifecycle metrics
	TokenExchangeTotal *prometheus.CounterVec

	// Download metrics
	DownloadTotal      *prometheus.CounterVec
	DownloadBytesTotal prometheus.Counter

	// Storage operation metrics
	StorageOperationTotal *prometheus.CounterVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Schema validation metrics
	SchemaValidationTotal *prometheus.CounterVec

	// Run metrics
	RunTotal         *prometheus.CounterVec
	LastRunTimestamp prometheus.Gauge
	LastRunFound     prometheus.Gauge
	LastRunSaved     prometheus.Gauge
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		APIRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_api_requests_total",
			Help: "Total number of contact-center API requests",
		}, []string{"endpoint", "status"}),

		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccrec_api_request_duration_seconds",
			Help:    "Contact-center API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		TokenExchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_token_exchanges_total",
			Help: "Total number of OAuth token exchanges",
		}, []string{"status"}),

		DownloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_downloads_total",
			Help: "Total number of recording downloads by outcome",
		}, []string{"status"}),

		DownloadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccrec_download_bytes_total",
			Help: "Total number of recording bytes written to disk",
		}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_storage_operations_total",
			Help: "Total number of ledger storage operations",
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_schema_validation_total",
			Help: "Total number of list page schema validations",
		}, []string{"status"}),

		RunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccrec_runs_total",
			Help: "Total number of export runs by outcome",
		}, []string{"status"}),

		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccrec_last_run_timestamp_seconds",
			Help: "Unix time the last export run finished",
		}),

		LastRunFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccrec_last_run_recordings_found",
			Help: "Recordings listed by the last export run",
		}),

		LastRunSaved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccrec_last_run_recordings_saved",
			Help: "Recordings saved by the last export run",
		}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.APIRequestTotal)
	registerOrGet(m.APIRequestDuration)
	registerOrGet(m.TokenExchangeTotal)
	registerOrGet(m.DownloadTotal)
	registerOrGet(m.DownloadBytesTotal)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.RunTotal)
	registerOrGet(m.LastRunTimestamp)
	registerOrGet(m.LastRunFound)
	registerOrGet(m.LastRunSaved)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// StatusLabel collapses an outcome into the "ok"/"error" label used across collectors.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// WriteTextfile writes the default registry in the node_exporter textfile format.
// The file is written to a temporary name and renamed into place.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
