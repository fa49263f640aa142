// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hlspack"

var (
	// CacheOperationsTotal tracks cache operations (get, set, delete).
	// Labels:
	//   - operation: get, set, delete
	//   - status: hit, miss, success, error
	//   - cache_type: redis
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache operations",
		},
		[]string{"operation", "status", "cache_type"},
	)

	// DBQueriesTotal tracks database queries issued on cache misses.
	// Labels:
	//   - query_type: select, insert, update, delete
	//   - table: transcoding_status
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	// SingleflightRequestsTotal tracks singleflight behavior.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// JobsTotal counts job attempts by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of transcoding job attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ActiveJobs is the number of job attempts running on this worker.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of transcoding jobs currently running",
		},
	)

	// BranchDurationSeconds observes each parallel branch.
	// Labels:
	//   - branch: rendition name or "playlist"
	//   - result: success, error
	BranchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "branch_duration_seconds",
			Help:      "Time taken by one rendition or playlist branch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"branch", "result"},
	)

	// UploadEventsTotal counts upload notifications by what the invoker did.
	UploadEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_events_total",
			Help:      "Total number of upload events handled",
		},
		[]string{"result"},
	)

	// CDNInvalidationsTotal counts CDN invalidation requests.
	CDNInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdn_invalidations_total",
			Help:      "Total number of CDN invalidation requests",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts API requests.
	// Labels:
	//   - method: HTTP method
	//   - route: chi route pattern, e.g. /v1/assets/{id}
	//   - status: response status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDurationSeconds observes API latency.
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
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
	DBQueryUpdate = "update"
	DBQueryDelete = "delete"
)

// Table name constants.
const (
	TableTranscodingStatus = "transcoding_status"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// Job outcome constants.
const (
	JobOutcomeSucceeded = "succeeded"
	JobOutcomeRetried   = "retried"
	JobOutcomeFailed    = "failed"
	JobOutcomeStale     = "stale"
	JobOutcomeDuplicate = "duplicate"
)

// Result constants shared by branch, upload and CDN counters.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultSubmitted = "submitted"
	ResultIgnored   = "ignored"
)

// DBPoolStats is a snapshot of the database connection pool.
type DBPoolStats struct {
	AcquiredConns int32
	IdleConns     int32
	TotalConns    int32
	MaxConns      int32
}

// RegisterDBPool exposes connection pool gauges read from snapshot at
// scrape time. It must be called at most once per process.
func RegisterDBPool(snapshot func() DBPoolStats) {
	gauges := []struct {
		name  string
		help  string
		value func(DBPoolStats) int32
	}{
		{"db_pool_acquired_connections", "Connections currently in use", func(s DBPoolStats) int32 { return s.AcquiredConns }},
		{"db_pool_idle_connections", "Idle connections in the pool", func(s DBPoolStats) int32 { return s.IdleConns }},
		{"db_pool_total_connections", "Total connections in the pool", func(s DBPoolStats) int32 { return s.TotalConns }},
		{"db_pool_max_connections", "Maximum size of the pool", func(s DBPoolStats) int32 { return s.MaxConns }},
	}

	for _, g := range gauges {
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      g.name,
				Help:      g.help,
			},
			func() float64 { return float64(g.value(snapshot())) },
		)
	}
}
