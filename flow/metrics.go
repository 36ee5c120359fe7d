package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution, all
// namespaced "flowkit":
//
//   - turns_total (counter): conversational turns processed.
//     Labels: asset_type, result (ok, error, duplicate, stalled).
//   - step_latency_ms (histogram): step execution duration.
//     Labels: step_type, status (ok, error).
//   - adapter_retries_total (counter): model adapter retry attempts.
//     Labels: op.
//   - transitions_total (counter): cross-workflow transitions.
//     Labels: from, to.
//   - snippets_dropped_total (counter): snippets removed by the
//     security filter.
//   - redactions_total (counter): PII markers redacted from text.
//   - stalled_workflows_total (counter): workflows with no runnable step.
//
// A nil *Metrics is valid; all methods are no-ops on it.
type Metrics struct {
	turns           *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	adapterRetries  *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	snippetsDropped prometheus.Counter
	redactions      prometheus.Counter
	stalled         prometheus.Counter
}

// NewMetrics registers all workflow metrics with the given registry.
// Pass prometheus.DefaultRegisterer for the global registry; a dedicated
// prometheus.NewRegistry() is recommended for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkit",
			Name:      "turns_total",
			Help:      "Conversational turns processed, by asset type and result",
		}, []string{"asset_type", "result"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowkit",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"step_type", "status"}),
		adapterRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkit",
			Name:      "adapter_retries_total",
			Help:      "Model adapter retry attempts",
		}, []string{"op"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowkit",
			Name:      "transitions_total",
			Help:      "Cross-workflow transitions, by source and target asset type",
		}, []string{"from", "to"}),
		snippetsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkit",
			Name:      "snippets_dropped_total",
			Help:      "Knowledge snippets dropped by the security filter",
		}),
		redactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkit",
			Name:      "redactions_total",
			Help:      "PII markers redacted from context text",
		}),
		stalled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowkit",
			Name:      "stalled_workflows_total",
			Help:      "Workflows observed with pending steps but nothing runnable",
		}),
	}
}

// TurnProcessed records one handled turn.
func (m *Metrics) TurnProcessed(assetType, result string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(assetType, result).Inc()
}

// ObserveStep records a step execution duration.
func (m *Metrics) ObserveStep(stepType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(stepType, status).Observe(float64(d.Milliseconds()))
}

// AdapterRetry records a model adapter retry attempt.
func (m *Metrics) AdapterRetry(op string) {
	if m == nil {
		return
	}
	m.adapterRetries.WithLabelValues(op).Inc()
}

// Transition records a cross-workflow transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ContextFiltered records the security filter's work on one assembly.
func (m *Metrics) ContextFiltered(dropped, redactions int) {
	if m == nil {
		return
	}
	m.snippetsDropped.Add(float64(dropped))
	m.redactions.Add(float64(redactions))
}

// WorkflowStalled records a workflow observed with no runnable step.
func (m *Metrics) WorkflowStalled() {
	if m == nil {
		return
	}
	m.stalled.Inc()
}
