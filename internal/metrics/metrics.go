// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsCreated counts persisted settlement legs, partitioned by status.
	SettlementsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_settlements_created_total",
		Help: "Total number of settlement legs persisted",
	}, []string{"status"})

	// ZeroSumViolations counts events whose legs did not sum to the event amount.
	ZeroSumViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_zero_sum_violations_total",
		Help: "Events persisted as PENDING_REVIEW after a zero-sum violation",
	})

	// ProcessLatency tracks per-event processing latency by event type.
	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_event_process_seconds",
		Help:    "Transaction event processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})

	// ProcessErrors counts events that aborted without persisting legs.
	ProcessErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_event_process_errors_total",
		Help: "Transaction events that failed to settle",
	}, []string{"event_type"})

	// Resettlements counts successful resettlement runs.
	Resettlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_resettlements_total",
		Help: "Events re-derived after review",
	})

	// BatchesCreated counts created batches by cycle.
	BatchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_batches_created_total",
		Help: "Settlement batches created",
	}, []string{"cycle"})

	// BatchesSkipped counts no-op batch runs by cycle and reason.
	BatchesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_batches_skipped_total",
		Help: "Batch runs that produced no batch",
	}, []string{"cycle", "reason"})

	// BatchedSettlements counts legs attached to a batch.
	BatchedSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_batched_settlements_total",
		Help: "Settlement legs attached to a batch",
	}, []string{"cycle"})

	// SchedulerTenantFailures counts tenant runs that failed inside a scheduler pass.
	SchedulerTenantFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_scheduler_tenant_failures_total",
		Help: "Scheduler tenant runs that failed",
	}, []string{"tenant"})

	// WebSocketClients tracks connected operator feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected operator feed clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the chi route pattern for the path label to avoid
// high cardinality from IDs in the URL.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the operator feed upgrade through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
