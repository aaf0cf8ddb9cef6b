package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meditate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Credit ledger metrics

	CreditReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_credit_reservations_total",
			Help: "Total number of ledger reserve attempts",
		},
		[]string{"result"}, // ok | insufficient_credits | error
	)

	CreditBalanceAfterReserve = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meditate_credit_balance_after_reserve",
			Help:    "User credit balance immediately after a successful reserve",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Submission metrics

	GenerationsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_generations_submitted_total",
			Help: "Total number of generation requests submitted",
		},
		[]string{"visibility", "script_type"},
	)

	// Queue metrics

	QueueJobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_queue_jobs_enqueued_total",
			Help: "Total number of jobs published to the generation queue",
		},
	)

	QueueJobsDeduplicatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_queue_jobs_deduplicated_total",
			Help: "Total number of enqueue calls that were no-ops due to the idempotency guard",
		},
	)

	QueueJobsRetriedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_queue_jobs_retried_total",
			Help: "Total number of job retries scheduled after a failed handler attempt",
		},
	)

	QueueJobsExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_queue_jobs_exhausted_total",
			Help: "Total number of jobs that exhausted all retry attempts",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meditate_queue_depth",
			Help: "Number of jobs waiting in the generation queue",
		},
	)

	// Pipeline worker metrics

	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meditate_pipeline_stage_duration_seconds",
			Help:    "Duration of one pipeline stage within one attempt",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to 2048s (~34 minutes)
		},
		[]string{"stage"},
	)

	PipelineAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_pipeline_attempts_total",
			Help: "Total number of pipeline attempts by outcome",
		},
		[]string{"outcome"}, // completed | transient_error | permanent_error | timeout | error
	)

	PipelineRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meditate_pipeline_requests_in_flight",
			Help: "Number of generation requests currently being driven by a worker",
		},
	)

	PipelineVideoPollsTotal = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meditate_pipeline_video_polls",
			Help:    "Number of poll iterations spent waiting for the video provider per request",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 40, 48},
		},
	)

	RequestsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_requests_failed_total",
			Help: "Total number of generation requests that reached the terminal failed status",
		},
	)

	RequestsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_requests_completed_total",
			Help: "Total number of generation requests that reached the terminal completed status",
		},
	)

	// Provider port metrics

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_provider_calls_total",
			Help: "Total number of external provider calls",
		},
		[]string{"provider", "operation", "result"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meditate_provider_call_duration_seconds",
			Help:    "External provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"provider", "operation"},
	)

	// Storage metrics

	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_storage_operations_total",
			Help: "Total number of object storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meditate_storage_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database metrics

	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meditate_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache metrics

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Sweeper metrics

	SweeperRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meditate_sweeper_requeued_total",
			Help: "Total number of stale pending requests re-enqueued by the sweeper",
		},
	)

	// Error metrics

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meditate_errors_total",
			Help: "Total number of errors by component and kind",
		},
		[]string{"component", "kind"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordReserve records a ledger reserve attempt and, on success, the
// resulting balance.
func RecordReserve(result string, balanceAfter int) {
	CreditReservationsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		CreditBalanceAfterReserve.Observe(float64(balanceAfter))
	}
}

// RecordSubmission records a successful generation submission.
func RecordSubmission(visibility, scriptType string) {
	GenerationsSubmittedTotal.WithLabelValues(visibility, scriptType).Inc()
}

// RecordPipelineStage records one stage's duration within an attempt.
func RecordPipelineStage(stage string, durationSeconds float64) {
	PipelineStageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordPipelineAttempt records one pipeline attempt's outcome.
func RecordPipelineAttempt(outcome string) {
	PipelineAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordProviderCall records one external provider call.
func RecordProviderCall(provider, operation, result string, durationSeconds float64) {
	ProviderCallsTotal.WithLabelValues(provider, operation, result).Inc()
	ProviderCallDuration.WithLabelValues(provider, operation).Observe(durationSeconds)
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, kind string) {
	ErrorsTotal.WithLabelValues(component, kind).Inc()
}
