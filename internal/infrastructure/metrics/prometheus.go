// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nebula"

var (
	// CacheOperationsTotal tracks cache operations (get, set, delete).
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache operations",
		},
		[]string{"operation", "status", "cache_type"},
	)

	// DBQueriesTotal tracks database queries.
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	// SingleflightRequestsTotal tracks singleflight behavior.
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// TranscodeJobsTotal tracks terminal transcoding job outcomes.
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_total",
			Help:      "Total number of transcoding jobs by terminal outcome",
		},
		[]string{"quality", "outcome"},
	)

	// TranscodeJobDurationSeconds tracks wall-clock time spent encoding,
	// from pending->processing to a terminal state.
	TranscodeJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_job_duration_seconds",
			Help:      "Wall-clock duration of transcoding jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		},
		[]string{"quality", "outcome"},
	)

	// StreamBytesServedTotal tracks bytes streamed out of the object store
	// through the range-aware streaming endpoint.
	StreamBytesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_served_total",
			Help:      "Total bytes served by the streaming endpoint",
		},
		[]string{"range_type"}, // full, ranged
	)

	// HTTPRequestsTotal tracks completed HTTP requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled",
		},
		[]string{"method", "route", "status"},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpGet    = "get"
	CacheOpSet    = "set"
	CacheOpDelete = "delete"
)

// Cache type constants.
const (
	CacheTypeRedis = "redis"
)

// DB query type constants.
const (
	DBQuerySelect = "select"
	DBQueryInsert = "insert"
	DBQueryUpdate = "update"
	DBQueryDelete = "delete"
)

// Table name constants.
const (
	TableFiles          = "files"
	TableTranscodingJobs = "transcoding_jobs"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// Transcode outcome constants.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Stream range-type constants.
const (
	RangeTypeFull   = "full"
	RangeTypeRanged = "ranged"
)
