package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notazap_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notazap_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notazap_dispatches_enqueued_total",
			Help: "Total dispatches enqueued by company and intent",
		},
		[]string{"company_id", "intent"},
	)

	dispatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notazap_dispatches_processed_total",
			Help: "Total dispatch attempts settled by resulting status",
		},
		[]string{"status", "intent"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notazap_dispatch_latency_seconds",
			Help:    "Time from enqueue to gateway acceptance",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"intent"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notazap_rate_limit_rejections_total",
			Help: "Sends deferred by the scope pacer or missing policy",
		},
		[]string{"scope"},
	)

	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notazap_sync_runs_total",
			Help: "Sync job runs by final status",
		},
		[]string{"status"},
	)

	syncCooldownSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notazap_sync_cooldown_skips_total",
			Help: "Tenants skipped by the sync runner while cooling down",
		},
	)

	syncBatchesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notazap_sync_batches_fetched_total",
			Help: "DistDFe batches fetched across all runs",
		},
	)

	staleSyncRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notazap_sync_runs_stale",
			Help: "Job runs stuck in running beyond the expected ceiling",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notazap_queue_depth",
			Help: "Dispatch queue depth per lifecycle state",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatchEnqueued records a dispatch enqueue event
func RecordDispatchEnqueued(companyID, intent string) {
	dispatchesEnqueued.WithLabelValues(companyID, intent).Inc()
}

// RecordDispatchProcessed records a settled dispatch attempt
func RecordDispatchProcessed(status, intent string) {
	dispatchesProcessed.WithLabelValues(status, intent).Inc()
}

// RecordDispatchLatency records end-to-end delivery time
func RecordDispatchLatency(intent string, latency time.Duration) {
	dispatchLatency.WithLabelValues(intent).Observe(latency.Seconds())
}

// RecordRateLimitRejection records a pacer denial for a scope
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordSyncRun records a finished sync job run
func RecordSyncRun(status string) {
	syncRunsTotal.WithLabelValues(status).Inc()
}

// RecordSyncCooldownSkip records a tenant skipped for cooldown
func RecordSyncCooldownSkip() {
	syncCooldownSkips.Inc()
}

// RecordSyncBatch records one fetched DistDFe batch
func RecordSyncBatch() {
	syncBatchesFetched.Inc()
}

// SetStaleSyncRuns publishes the count of runs stuck in running
func SetStaleSyncRuns(n int) {
	staleSyncRuns.Set(float64(n))
}

// SetQueueDepth publishes the queue depth for one lifecycle state
func SetQueueDepth(status string, depth int) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

// responseWriter captures the status code for metrics
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
