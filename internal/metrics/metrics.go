package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/schema"
)

const namespace = "listforge"

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds the collectors for one server process. Each instance owns
// its registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	detections  *prometheus.CounterVec
	detectTime  prometheus.Histogram
	goals       *prometheus.CounterVec
	goalTime    *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	runTime     prometheus.Histogram
	jobs        *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	requestTime *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_detections_total",
			Help:      "Schema detection attempts partitioned by outcome.",
		}, []string{"outcome"}),
		detectTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "schema_detection_duration_seconds",
			Help:      "Time spent in schema detection.",
			Buckets:   durationBuckets,
		}),
		goals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goals_total",
			Help:      "Goal attempts partitioned by goal type and resulting status.",
		}, []string{"type", "status"}),
		goalTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "goal_duration_seconds",
			Help:      "Time spent executing a goal attempt.",
			Buckets:   durationBuckets,
		}, []string{"type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "research_runs_total",
			Help:      "Finished research runs partitioned by final status.",
		}, []string{"status"}),
		runTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "research_run_duration_seconds",
			Help:      "Wall time of a research run.",
			Buckets:   durationBuckets,
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Queued jobs partitioned by status.",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests partitioned by status code, method and route.",
		}, []string{"code", "method", "path"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time spent on the request partitioned by status code, method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method", "path"}),
	}

	m.registry.MustRegister(
		m.detections, m.detectTime,
		m.goals, m.goalTime,
		m.runs, m.runTime,
		m.jobs,
		m.requests, m.requestTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDetection records one schema detection. Its signature matches
// schema.WithObserver.
func (m *Metrics) ObserveDetection(o schema.Outcome, elapsed time.Duration) {
	m.detections.WithLabelValues(string(o)).Inc()
	m.detectTime.Observe(elapsed.Seconds())
}

// ObserveGoal records one goal attempt. Its signature matches
// research.Observer. Skipped goals never ran, so they add no duration sample.
func (m *Metrics) ObserveGoal(t goal.Type, status goal.Status, elapsed time.Duration) {
	m.goals.WithLabelValues(string(t), string(status)).Inc()
	if status != goal.StatusSkipped {
		m.goalTime.WithLabelValues(string(t)).Observe(elapsed.Seconds())
	}
}

// ObserveRun records a finished research run.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	m.runs.WithLabelValues(status).Inc()
	m.runTime.Observe(elapsed.Seconds())
}

// SetJobCounts replaces the job gauge with the given per-status counts.
func (m *Metrics) SetJobCounts(counts map[string]int) {
	m.jobs.Reset()
	for status, n := range counts {
		m.jobs.WithLabelValues(status).Set(float64(n))
	}
}

// Middleware counts requests by chi route pattern, keeping label
// cardinality bounded by the number of routes.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		m.requests.WithLabelValues(code, r.Method, route).Inc()
		m.requestTime.WithLabelValues(code, r.Method, route).Observe(time.Since(start).Seconds())
	})
}
