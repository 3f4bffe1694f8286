package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce      sync.Once
	jobsDispatched    *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	applyDurationHist *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpLatencyHist   *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors for the grading
// pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		jobsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_jobs_dispatched_total",
			Help: "Total number of grading jobs handed to a grader backend.",
		}, []string{"backend", "outcome"})

		messagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_result_messages_total",
			Help: "Total number of results-queue messages processed.",
		}, []string{"event", "status"})

		applyDurationHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_result_apply_seconds",
			Help:    "Latency distribution for applying terminal grading results.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"gradable"})

		httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_http_requests_total",
			Help: "Total number of requests served by the ops HTTP endpoints.",
		}, []string{"method", "route", "status"})

		httpLatencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_http_request_seconds",
			Help:    "Latency distribution for ops HTTP endpoints.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})

		prometheus.MustRegister(jobsDispatched, messagesProcessed, applyDurationHist, httpRequests, httpLatencyHist)
	})
}

// JobsDispatched exposes the dispatched-jobs counter.
func JobsDispatched() *prometheus.CounterVec {
	RegisterMetrics()
	return jobsDispatched
}

// MessagesProcessed exposes the results-message counter.
func MessagesProcessed() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesProcessed
}

// ApplyDuration exposes the result-apply latency histogram.
func ApplyDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return applyDurationHist
}

// HTTPRequests exposes the ops HTTP request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequests
}

// HTTPLatency exposes the ops HTTP latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencyHist
}
