package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Background job metrics
	JobTotal    *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Upload pipeline metrics
	UploadsInitiatedTotal *prometheus.CounterVec
	UploadsCompletedTotal *prometheus.CounterVec

	// Download and earnings metrics
	DownloadGrantsTotal   *prometheus.CounterVec
	DownloadsRateLimited  prometheus.Counter
	EarningsCreditedCents prometheus.Counter
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
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		JobTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of background jobs processed",
		}, []string{"job_type", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Background job processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type", "status"}),

		UploadsInitiatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uploads_initiated_total",
			Help: "Total number of upload intents created",
		}, []string{"kind"}), // kind: direct, remote

		UploadsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uploads_completed_total",
			Help: "Total number of uploads finalized",
		}, []string{"kind"}),

		DownloadGrantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "download_grants_total",
			Help: "Total number of download grants issued",
		}, []string{"premium"}),

		DownloadsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downloads_rate_limited_total",
			Help: "Total number of download requests rejected by the per-IP rate limit",
		}),

		EarningsCreditedCents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "earnings_credited_cents_total",
			Help: "Total earnings credited to uploaders, in cents",
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
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.JobTotal)
	registerOrGet(m.JobDuration)
	registerOrGet(m.UploadsInitiatedTotal)
	registerOrGet(m.UploadsCompletedTotal)
	registerOrGet(m.DownloadGrantsTotal)
	registerOrGet(m.DownloadsRateLimited)
	registerOrGet(m.EarningsCreditedCents)
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
