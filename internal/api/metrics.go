package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keybackup_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keybackup_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	pivtokensCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keybackup_pivtokens_created_total",
		Help: "PIVTokens created since process start.",
	})

	transitionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keybackup_transitions_started_total",
		Help: "Recovery configuration transitions started, by name.",
	}, []string{"name"})

	transitionsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keybackup_transitions_running",
		Help: "Transitions currently being driven by this process.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, pivtokensCreated,
		transitionsStarted, transitionsRunning)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
