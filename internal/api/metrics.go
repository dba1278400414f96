package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatched = "unmatched"

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarn_api_requests_total",
			Help: "Status API requests by route and status class.",
		},
		[]string{"method", "route", "class"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tarn_api_request_duration_seconds",
			Help:    "Status API request duration in seconds, excluding log streams.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	environmentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarn_api_environment_requests_total",
			Help: "Status API requests for a known environment.",
		},
		[]string{"environment", "route"},
	)

	logStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tarn_api_log_streams",
			Help: "Open worker output streams per environment.",
		},
		[]string{"environment"},
	)

	environmentExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tarn_api_environment_exits_total",
			Help: "Environment exits requested through the status API.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal, apiRequestDuration, environmentRequestsTotal, logStreams, environmentExitsTotal)
}

// metricsMiddleware counts requests by chi route pattern. Requests naming an
// environment that exists are also counted per environment; unknown names
// are left out to keep label values bounded by the registry.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)

		apiRequestsTotal.WithLabelValues(r.Method, route, statusClass(status)).Inc()
		if !isLogStream(route) {
			apiRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
		if name := chi.URLParam(r, "name"); name != "" && status != http.StatusNotFound {
			environmentRequestsTotal.WithLabelValues(name, route).Inc()
		}
	})
}

// routePattern returns the matched chi route pattern, or "unmatched".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func isLogStream(route string) bool {
	return route == "/v1/environments/{name}/logs"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
