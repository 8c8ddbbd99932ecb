package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a server.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	runsTotal           *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framepipe_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "framepipe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framepipe_runs_total",
				Help: "Total number of pipeline runs by outcome",
			},
			[]string{"outcome"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.runsTotal,
	)

	return m
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(outcome domain.RunOutcome) {
	m.runsTotal.WithLabelValues(string(outcome)).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument wraps a handler so its requests are counted under route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(route, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}
