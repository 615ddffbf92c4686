// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProbeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwatch_probe_results_total",
			Help: "Probe outcomes by result (online, offline, error, skipped, simulated)",
		},
		[]string{"result"},
	)

	ProbeCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netwatch_probe_cycle_duration_seconds",
			Help:    "Wall time of one probe cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbeCyclesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netwatch_probe_cycles_skipped_total",
			Help: "Probe ticks skipped because the previous cycle was still running",
		},
	)

	ObservationsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwatch_observations_applied_total",
			Help: "Observations applied to the device store",
		},
		[]string{"source", "status"},
	)

	LogEntriesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netwatch_log_entries_appended_total",
			Help: "Audit log entries appended",
		},
	)

	ReportElements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwatch_report_elements_total",
			Help: "Agent report elements by result (applied, skipped, unmatched, failed)",
		},
		[]string{"result"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwatch_events_dropped_total",
			Help: "Change events dropped because a subscriber queue was full",
		},
		[]string{"subscriber"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "code"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netwatch_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ProbeResults,
		ProbeCycleDuration,
		ProbeCyclesSkipped,
		ObservationsApplied,
		LogEntriesAppended,
		ReportElements,
		EventsDropped,
		RequestsTotal,
		RequestDuration,
	)
}

// Middleware records request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required for the websocket upgrade on /ws.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
