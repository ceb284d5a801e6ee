// Package metrics provides Prometheus metrics for the pantry server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Upload metrics
	uploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_upload_bytes_total",
			Help: "Total bytes accepted per channel",
		},
		[]string{"channel"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_uploads_total",
			Help: "Total number of uploads by final channel and status",
		},
		[]string{"channel", "status"},
	)

	channelAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_channel_attempt_duration_seconds",
			Help:    "Duration of a single channel store attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "status"},
	)

	failoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_channel_failovers_total",
			Help: "Total failovers from one channel to the next",
		},
		[]string{"from", "to"},
	)

	// Moderation metrics
	moderationLabelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_moderation_labels_total",
			Help: "Moderation results by provider and label",
		},
		[]string{"provider", "label"},
	)

	moderationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pantry_moderation_queue_depth",
			Help: "Deferred moderation jobs waiting for a worker",
		},
	)

	moderationDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_moderation_dropped_total",
			Help: "Deferred moderation jobs dropped because the queue was full",
		},
	)

	// Share access metrics
	shareAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_share_access_total",
			Help: "Share and direct-link access attempts by outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_db_query_duration_seconds",
			Help:    "Metadata store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pantry_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	casRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_cas_retries_total",
			Help: "Optimistic update conflicts that forced a retry",
		},
		[]string{"record"},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	quotaExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_quota_exceeded_total",
			Help: "Total uploads rejected by the quota pre-check",
		},
	)

	quotaCommitFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_quota_commit_failures_total",
			Help: "Quota commits that failed after a successful write",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Cache metrics
	cachePurgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_cache_purges_total",
			Help: "Cache invalidations by target and status",
		},
		[]string{"target", "status"},
	)

	// Event metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pantry_event_subscribers",
			Help: "Number of in-process event subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_events_total",
			Help: "Events published by type",
		},
		[]string{"type"},
	)

	fileCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_file_cache_lookups_total",
			Help: "File record cache lookups",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records the final outcome of an upload.
func RecordUpload(channel string, bytes int64, success bool) {
	if success {
		uploadBytesTotal.WithLabelValues(channel).Add(float64(bytes))
	}
	uploadsTotal.WithLabelValues(channel, status(success)).Inc()
}

// RecordChannelAttempt records one adapter store call.
func RecordChannelAttempt(channel string, duration time.Duration, success bool) {
	channelAttemptDuration.WithLabelValues(channel, status(success)).Observe(duration.Seconds())
}

// RecordFailover records moving from a failed channel to the next.
func RecordFailover(from, to string) {
	failoversTotal.WithLabelValues(from, to).Inc()
}

// RecordModeration records a classification result.
func RecordModeration(provider, label string) {
	moderationLabelsTotal.WithLabelValues(provider, label).Inc()
}

// SetModerationQueueDepth sets the deferred moderation backlog.
func SetModerationQueueDepth(n int) {
	moderationQueueDepth.Set(float64(n))
}

// RecordModerationDropped records a job rejected by a full queue.
func RecordModerationDropped() {
	moderationDroppedTotal.Inc()
}

// RecordShareAccess records an access guard outcome.
func RecordShareAccess(mode, outcome string) {
	shareAccessTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordDBQuery records a metadata store operation duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordCASRetry records an optimistic update conflict.
func RecordCASRetry(record string) {
	casRetriesTotal.WithLabelValues(record).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordQuotaExceeded records a quota pre-check rejection.
func RecordQuotaExceeded() {
	quotaExceededTotal.Inc()
}

// RecordQuotaCommitFailure records a failed post-write quota commit.
func RecordQuotaCommitFailure() {
	quotaCommitFailuresTotal.Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordCachePurge records one invalidation attempt.
func RecordCachePurge(target string, success bool) {
	cachePurgesTotal.WithLabelValues(target, status(success)).Inc()
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}

// RecordEvent records a published event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordFileCacheLookup records a file record cache hit or miss.
func RecordFileCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	fileCacheLookups.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Routes
// are labelled by their chi pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
