package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Metrics holds the Prometheus collectors for HTTP traffic and scan
// lifecycle. It satisfies the orchestrator's Recorder.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	scansStarted  *prometheus.CounterVec
	scansFinished *prometheus.CounterVec
	scansRunning  prometheus.Gauge
	scanDuration  prometheus.Histogram
	toolRuns      *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
}

// NewMetrics registers everything on a private registry (don't pollute default).
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armoureye_http_requests_total",
		Help: "HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "armoureye_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
	m.requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "armoureye_http_requests_in_flight",
		Help: "Requests currently being served",
	})

	m.scansStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armoureye_scans_started_total",
		Help: "Scans started by profile",
	}, []string{"profile"})
	m.scansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armoureye_scans_finished_total",
		Help: "Scans finished by terminal status",
	}, []string{"status"})
	m.scansRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "armoureye_scans_running",
		Help: "Scans currently in flight",
	})
	m.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "armoureye_scan_duration_seconds",
		Help:    "Wall time of finished scans",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	})
	m.toolRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "armoureye_tool_runs_total",
		Help: "Tool invocations by tool and error kind (empty when ok)",
	}, []string{"tool", "error_kind"})
	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "armoureye_tool_duration_seconds",
		Help:    "Tool invocation latency",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"tool"})

	m.registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.requestsInFlight,
		m.scansStarted, m.scansFinished, m.scansRunning, m.scanDuration,
		m.toolRuns, m.toolDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware tracks request metrics. Routes are labelled by their chi pattern
// so ids don't blow up cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		start := time.Now()
		wrapped := wrapWriter(w)
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
		m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScanStarted(profile domain.Profile) {
	m.scansStarted.WithLabelValues(string(profile)).Inc()
	m.scansRunning.Inc()
}

func (m *Metrics) ScanFinished(status domain.Status, elapsed time.Duration) {
	m.scansFinished.WithLabelValues(string(status)).Inc()
	m.scansRunning.Dec()
	m.scanDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ToolFinished(tool domain.Tool, errorKind string, elapsed time.Duration) {
	m.toolRuns.WithLabelValues(string(tool), errorKind).Inc()
	m.toolDuration.WithLabelValues(string(tool)).Observe(elapsed.Seconds())
}
