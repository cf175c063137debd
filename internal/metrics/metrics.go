// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gwasflow"

	// Labels
	statusLabel    = "status"
	phaseLabel     = "phase"
	causeLabel     = "cause"
	operationLabel = "operation"
)

var (
	workflowsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_started_total",
		Help:      "number of workflows created",
	})

	workflowsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_finished_total",
		Help:      "number of workflows that reached a terminal status",
	}, []string{statusLabel})

	activeWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workflows",
		Help:      "workflows currently driven by this process",
	})

	jobsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "jobs handed to the execution service",
	}, []string{phaseLabel})

	jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "jobs that reached a terminal status",
	}, []string{phaseLabel, statusLabel})

	jobFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_failures_total",
		Help:      "failed jobs by coarse cause",
	}, []string{phaseLabel, causeLabel})

	jobDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "time from submission to terminal status",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
	}, []string{phaseLabel, statusLabel})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transient_retries_total",
		Help:      "retries of transient store or execution service errors",
	}, []string{operationLabel})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "requests rejected by the per-key rate limit",
	})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Number of HTTP requests partitioned by status code, method and HTTP path.",
	}, []string{"code", "method", "path"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_milliseconds",
		Help:      "Time spent on the request partitioned by status code, method and HTTP path.",
		Buckets:   []float64{5, 25, 100, 300, 1000, 5000},
	}, []string{"code", "method", "path"})
)

func WorkflowStarted() {
	workflowsStartedTotal.Inc()
}

func WorkflowFinished(status string) {
	workflowsFinishedTotal.With(prometheus.Labels{statusLabel: status}).Inc()
}

// DriveStarted and DriveFinished bracket a background drive.
func DriveStarted()  { activeWorkflows.Inc() }
func DriveFinished() { activeWorkflows.Dec() }

func JobSubmitted(phase int) {
	jobsSubmittedTotal.With(prometheus.Labels{phaseLabel: strconv.Itoa(phase)}).Inc()
}

// JobFinished records a terminal job. elapsed is zero when the job never ran.
func JobFinished(phase int, status string, elapsed time.Duration) {
	p := strconv.Itoa(phase)
	jobsFinishedTotal.With(prometheus.Labels{phaseLabel: p, statusLabel: status}).Inc()
	if elapsed > 0 {
		jobDurationSeconds.With(prometheus.Labels{phaseLabel: p, statusLabel: status}).Observe(elapsed.Seconds())
	}
}

func JobFailed(phase int, cause string) {
	jobFailuresTotal.With(prometheus.Labels{phaseLabel: strconv.Itoa(phase), causeLabel: cause}).Inc()
}

func Retried(operation string) {
	retriesTotal.With(prometheus.Labels{operationLabel: operation}).Inc()
}

func RateLimited() {
	rateLimitedTotal.Inc()
}

// Middleware counts requests and observes latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rp := rctx.RoutePattern()
			since := float64(time.Since(start).Milliseconds())
			httpRequestsTotal.WithLabelValues(strconv.Itoa(ww.Status()), r.Method, rp).Inc()
			httpLatency.WithLabelValues(strconv.Itoa(ww.Status()), r.Method, rp).Observe(since)
		}
	}
	return http.HandlerFunc(fn)
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(workflowsStartedTotal)
	prometheus.MustRegister(workflowsFinishedTotal)
	prometheus.MustRegister(activeWorkflows)
	prometheus.MustRegister(jobsSubmittedTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobFailuresTotal)
	prometheus.MustRegister(jobDurationSeconds)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(rateLimitedTotal)
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpLatency)
}
