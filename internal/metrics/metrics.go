// Package metrics exposes Prometheus instrumentation for the review pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "food_review"

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Review runs by terminal status.",
		},
		[]string{"status"},
	)

	leaseConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Triggers rejected because another run holds the lease.",
		},
	)

	stuckRunsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_runs_reclaimed_total",
			Help:      "Running runs failed by lease acquisition after the stuck timeout.",
		},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Processed batches by outcome.",
		},
		[]string{"outcome"},
	)

	suggestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Suggestions of completed runs by action.",
		},
		[]string{"action"},
	)

	classifyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Classifier call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"status"},
	)

	classifyTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_tokens_total",
			Help:      "Classifier tokens by type.",
		},
		[]string{"model", "type"},
	)

	circuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "classifier_circuit_state",
			Help:      "Classifier circuit breaker state (0 closed, 1 open, 2 half-open).",
		},
	)

	runActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while this process executes a run.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordRun counts a run reaching a terminal status.
func RecordRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// RecordLeaseConflict counts a rejected trigger.
func RecordLeaseConflict() {
	leaseConflictsTotal.Inc()
}

// RecordStuckRunReclaimed counts a reclaimed run.
func RecordStuckRunReclaimed() {
	stuckRunsReclaimedTotal.Inc()
}

// RecordBatch counts a batch; outcome is "ok" or "skipped".
func RecordBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

// RecordSuggestions counts n suggestions of one action in a completed run.
func RecordSuggestions(action string, n int) {
	suggestionsTotal.WithLabelValues(action).Add(float64(n))
}

// RecordClassify records one classifier call.
func RecordClassify(model string, err error, d time.Duration, inputTokens, outputTokens int64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	classifyDuration.WithLabelValues(status).Observe(d.Seconds())
	if err == nil {
		classifyTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
		classifyTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// SetCircuitState records the classifier breaker state.
func SetCircuitState(state int) {
	circuitState.Set(float64(state))
}

// SetRunActive flags whether a run is executing in this process.
func SetRunActive(active bool) {
	if active {
		runActive.Set(1)
		return
	}
	runActive.Set(0)
}

// RecordHTTPRequest counts an HTTP request.
func RecordHTTPRequest(method, route string, status int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
