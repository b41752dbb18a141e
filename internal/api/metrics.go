package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/labrun/internal/model"
)

const (
	unmatched = "unmatched"

	// streamRoute is excluded from the duration histogram; open streams
	// are tracked by eventStreams instead.
	streamRoute = "/events"

	resultAccepted = "accepted"
	resultRejected = "rejected"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrun_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labrun_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	eventStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labrun_http_event_streams",
			Help: "Open server-sent event streams, by feed.",
		},
		[]string{"feed"},
	)

	controlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labrun_http_control_requests_total",
			Help: "Worker control requests received over HTTP, by requested state and result.",
		},
		[]string{"state", "result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, eventStreams, controlRequestsTotal)

	for _, feed := range []string{feedProgress, feedData} {
		eventStreams.WithLabelValues(feed)
	}
	for _, state := range controllable {
		for _, result := range []string{resultAccepted, resultRejected} {
			controlRequestsTotal.WithLabelValues(state.String(), result)
		}
	}
}

// countControl records the outcome of a control request for state.
func countControl(state model.Phase, err error) {
	result := resultAccepted
	if err != nil {
		result = resultRejected
	}
	controlRequestsTotal.WithLabelValues(state.String(), result).Inc()
}

// metricsMiddleware records request count and duration, labelled by chi
// route pattern rather than raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		if path != streamRoute {
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern returns the matched chi route pattern, or "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
