// Package metrics exposes the Run Manager's Prometheus collectors:
// HTTP traffic shape plus run-lifecycle counters and gauges.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"apex-build/internal/wes"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every Prometheus collector the Run Manager registers.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	RunsTotal           *prometheus.CounterVec
	RunsByState         *prometheus.GaugeVec
	SupervisedChildren  prometheus.Gauge
	IndexerDuration      prometheus.Histogram
	IndexerRunsIndexed   prometheus.Gauge
	IndexerReconciled    prometheus.Counter
	CancellationsTotal   *prometheus.CounterVec
}

// Get returns the process-wide Metrics singleton, registering
// collectors on first call.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wes",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wes",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wes",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wes",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of runs created, by terminal state",
		},
		[]string{"state"},
	)

	m.RunsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wes",
			Subsystem: "runs",
			Name:      "by_state",
			Help:      "Current number of runs in each state, from the last Indexer pass",
		},
		[]string{"state"},
	)

	m.SupervisedChildren = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wes",
			Subsystem: "supervisor",
			Name:      "children",
			Help:      "Current number of engine dispatcher processes being supervised",
		},
	)

	m.IndexerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "wes",
			Subsystem: "indexer",
			Name:      "duration_seconds",
			Help:      "Duration of a single Indexer snapshot pass",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.IndexerRunsIndexed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wes",
			Subsystem: "indexer",
			Name:      "runs_indexed",
			Help:      "Number of run directories seen in the last Indexer pass",
		},
	)

	m.IndexerReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wes",
			Subsystem: "indexer",
			Name:      "reconciled_total",
			Help:      "Total number of runs forced to SYSTEM_ERROR by crash recovery",
		},
	)

	m.CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wes",
			Subsystem: "runs",
			Name:      "cancellations_total",
			Help:      "Total number of cancel requests, by outcome",
		},
		[]string{"outcome"},
	)

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordRunTerminal records a run reaching a terminal state.
func (m *Metrics) RecordRunTerminal(state wes.State) {
	m.RunsTotal.WithLabelValues(string(state)).Inc()
}

// SetRunsByState replaces the by-state gauge snapshot after an Indexer pass.
func (m *Metrics) SetRunsByState(counts map[wes.State]int) {
	for _, s := range []wes.State{
		wes.StateQueued, wes.StateInitializing, wes.StateRunning, wes.StatePaused,
		wes.StateComplete, wes.StateExecutorError, wes.StateSystemError,
		wes.StateCanceled, wes.StateCanceling, wes.StatePreempted, wes.StateDeleting,
		wes.StateDeleted,
	} {
		m.RunsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// RecordIndexerPass records the duration and scope of one Indexer pass.
func (m *Metrics) RecordIndexerPass(duration time.Duration, runsSeen, reconciled int) {
	m.IndexerDuration.Observe(duration.Seconds())
	m.IndexerRunsIndexed.Set(float64(runsSeen))
	m.IndexerReconciled.Add(float64(reconciled))
}

// RecordCancellation records the outcome of a cancel request:
// "signaled", "already_terminal", or "pid_gone".
func (m *Metrics) RecordCancellation(outcome string) {
	m.CancellationsTotal.WithLabelValues(outcome).Inc()
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
