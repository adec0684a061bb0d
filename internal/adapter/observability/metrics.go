package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_jobs_enqueued_total",
			Help: "Total number of render jobs enqueued",
		},
		[]string{"tier"},
	)
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "render_jobs_active",
			Help: "Number of render jobs currently leased",
		},
		[]string{"tier"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_jobs_completed_total",
			Help: "Total number of render jobs completed",
		},
		[]string{"tier"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_jobs_failed_total",
			Help: "Total number of render jobs failed",
		},
		[]string{"tier", "kind"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_jobs_cancelled_total",
			Help: "Total number of render jobs cancelled",
		},
		[]string{"tier"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "render_jobs_retried_total",
			Help: "Total number of render job retries enqueued",
		},
		[]string{"tier", "kind"},
	)

	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Wall-clock duration of completed renders",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"tier", "format"},
	)
	FramesRenderedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "render_frames_rendered_total",
			Help: "Total number of frames rendered",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "render_queue_depth",
			Help: "Jobs waiting per tier queue",
		},
		[]string{"tier", "state"},
	)
	CreditsDeductedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_deducted_total",
			Help: "Total credits deducted on admission",
		},
	)
	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded on failure or cancel",
		},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(FramesRenderedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(CreditsDeductedTotal)
	prometheus.MustRegister(CreditsRefundedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
