// Package telemetry wires a small Prometheus surface for the runtime: tool
// execution outcomes, round latency, and running cost.
//
// Construction goes through promauto against an explicit Registerer, never
// the process-default registry: registering against the global registry
// unconditionally means constructing a second Metrics in the same process
// (e.g. two orchestrator instances in one test binary) panics on a
// duplicate-registration collision. New takes its prometheus.Registerer
// explicitly, and a nil Metrics is a valid, functioning no-op so callers
// that don't want metrics never pay for a registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the runtime's Prometheus surface. A nil *Metrics is safe to
// call every method on; all methods become no-ops.
type Metrics struct {
	toolExecutions *prometheus.CounterVec
	roundDuration  *prometheus.HistogramVec
	costTotal      *prometheus.CounterVec
}

// New registers the runtime's metrics against reg and returns a Metrics
// that reports into it. Pass a fresh prometheus.NewRegistry() for isolated
// tests, or prometheus.DefaultRegisterer for a process-wide /metrics
// endpoint.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		toolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_tool_executions_total",
				Help: "Total number of tool executions by tool name and outcome.",
			},
			[]string{"tool_name", "outcome"},
		),
		roundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_round_duration_seconds",
				Help:    "Duration of one orchestrator round (stream + tool phase) in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),
		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_cost_usd_total",
				Help: "Cumulative estimated cost in USD by provider and model.",
			},
			[]string{"provider", "model"},
		),
	}
}

// ToolExecution records one completed tool call. outcome is typically
// "success", "error", or "skipped".
func (m *Metrics) ToolExecution(toolName, outcome string) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(toolName, outcome).Inc()
}

// RoundDuration records the wall-clock duration of one orchestrator round.
func (m *Metrics) RoundDuration(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundDuration.WithLabelValues(model).Observe(d.Seconds())
}

// AddCost adds usd to the running cost total for provider/model.
func (m *Metrics) AddCost(provider, model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.costTotal.WithLabelValues(provider, model).Add(usd)
}
