package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Business metrics, exported for use by the dispatcher, event processor
	// and reconciler
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_engine_dispatches_total",
			Help: "Total dispatch attempts by result",
		},
		[]string{"result"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_engine_webhook_events_total",
			Help: "Total webhook events by type and processing result",
		},
		[]string{"event_type", "result"},
	)

	EventRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_engine_event_retries_total",
			Help: "Total event processing retries",
		},
	)

	EventsExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_engine_events_exhausted_total",
			Help: "Total events that exhausted their processing attempts",
		},
	)

	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_engine_active_calls",
			Help: "Current number of in-flight calls across all agents",
		},
	)

	QueuedCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_engine_queued_calls",
			Help: "Current number of queued dispatch requests across all agents",
		},
	)

	StalledCallsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_engine_stalled_calls_recovered_total",
			Help: "Total stalled calls resolved by the reconciliation sweep",
		},
	)

	PanicsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_engine_panics_recovered_total",
			Help: "Total number of recovered panics",
		},
	)
)

// Metrics returns a middleware that collects Prometheus metrics
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		status := strconv.Itoa(wrapped.statusCode)

		// Use Chi route pattern to avoid cardinality explosion from dynamic path segments
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		// Normalize trailing slashes
		endpoint = strings.TrimRight(endpoint, "/")
		if endpoint == "" {
			endpoint = "/"
		}

		requestDuration.WithLabelValues(r.Method, endpoint, status).Observe(duration.Seconds())
		requestCount.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
