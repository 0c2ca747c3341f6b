// Package metrics provides Prometheus metrics for the preview server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache names used as label values.
const (
	CacheMetadata        = "metadata"
	CacheHighlightTokens = "highlight_tokens"
	CacheHighlightLines  = "highlight_lines"
	CacheSnapshot        = "snapshot"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_cache_evictions_total",
			Help: "LRU evictions by cache",
		},
		[]string{"cache"},
	)

	// Upstream metrics
	upstreamFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_upstream_fetches_total",
			Help: "Generator fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	upstreamFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preview_upstream_fetch_duration_seconds",
			Help:    "Duration of a single generator call",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Coordinator metrics
	staleResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_stale_results_discarded_total",
			Help: "Results dropped because a newer input superseded them",
		},
	)

	debounceSupersededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_debounce_superseded_total",
			Help: "Pending inputs replaced before their debounce window elapsed",
		},
	)

	previewBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preview_build_duration_seconds",
			Help:    "Time to build tree and diff for a settled snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_sessions_active",
			Help: "Number of live preview sessions",
		},
	)

	sessionAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_session_auth_total",
			Help: "Session token checks by result",
		},
		[]string{"result"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preview_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_sse_events_total",
			Help: "Total preview events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheLookup records a hit or miss on the named cache.
func RecordCacheLookup(cache string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction records an LRU eviction on the named cache.
func RecordCacheEviction(cache string) {
	cacheEvictionsTotal.WithLabelValues(cache).Inc()
}

// RecordUpstreamFetch records a single generator attempt outcome:
// success, retry, unavailable or rejected.
func RecordUpstreamFetch(outcome string) {
	upstreamFetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstreamDuration records the duration of one generator call.
func RecordUpstreamDuration(duration time.Duration) {
	upstreamFetchDuration.Observe(duration.Seconds())
}

// RecordStaleResult records a superseded result being dropped.
func RecordStaleResult() {
	staleResultsTotal.Inc()
}

// RecordDebounceSuperseded records a pending input replaced by a newer one.
func RecordDebounceSuperseded() {
	debounceSupersededTotal.Inc()
}

// RecordPreviewBuild records tree and diff build time.
func RecordPreviewBuild(duration time.Duration) {
	previewBuildDuration.Observe(duration.Seconds())
}

// SetSessionsActive sets the number of live sessions.
func SetSessionsActive(count int) {
	sessionsActive.Set(float64(count))
}

// RecordSessionAuth records a session token check.
func RecordSessionAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	sessionAuthTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

// Middleware returns HTTP middleware that records request metrics. The
// matched route pattern is used as the path label to bound cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
