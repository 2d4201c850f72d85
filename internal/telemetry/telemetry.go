// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vacuum_fetch_requests_total",
			Help: "Outbound API calls, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vacuum_fetch_bytes_total",
			Help: "Response bytes read, labeled by source.",
		},
		[]string{"source"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vacuum_fetch_duration_seconds",
			Help:    "Histogram of outbound call latencies, labeled by source.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vacuum_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	rateLimitCurrentRPS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vacuum_rate_limit_current_rps",
			Help: "Current adaptive request rate per source.",
		},
		[]string{"source"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vacuum_records_total",
			Help: "Records written by the upsert sink, labeled by source and result.",
		},
		[]string{"source", "result"},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vacuum_entity_resolutions_total",
			Help: "Entity resolution outcomes, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	relationshipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vacuum_relationships_upserted_total",
			Help: "Relationship edges upserted by the resolution pass.",
		},
	)

	progressDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vacuum_progress_events_dropped_total",
			Help: "Progress events dropped because the hub buffer was full.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vacuum_active_workers",
			Help: "Number of workers currently executing a run.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveFetch records one outbound call. Outcome is "ok" or a fetch error kind.
func ObserveFetch(source, outcome string, bytes int, duration time.Duration) {
	fetchRequestsTotal.WithLabelValues(source, outcome).Inc()
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(source).Add(float64(bytes))
	}
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// SetRateLimit publishes the current adaptive rate for a source.
func SetRateLimit(source string, rps float64) {
	rateLimitCurrentRPS.WithLabelValues(source).Set(rps)
}

// ObserveRecord counts an upsert result (inserted, updated, skipped, error).
func ObserveRecord(source, result string) {
	recordsTotal.WithLabelValues(source, result).Inc()
}

// ObserveResolution counts an entity resolution outcome.
func ObserveResolution(outcome string) {
	resolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRelationship counts an upserted relationship edge.
func ObserveRelationship() {
	relationshipsTotal.Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProgressDrop counts a progress event lost to backpressure.
func ObserveProgressDrop() {
	progressDroppedTotal.Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
