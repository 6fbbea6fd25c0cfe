// Package metrics exposes Prometheus instrumentation for the engine: token
// usage per role, tool invocation latency per scope, and active task count.
// Grounded on the pack's kadirpekel-hector/haasonsaas-nexus repos, which
// both wire promauto counters/histograms around their own request paths;
// the teacher itself has no metrics layer, so this is new code following
// that pack idiom rather than adapted teacher code.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pocketomega/foreman/internal/llmgateway"
)

// Metrics bundles every collector the engine registers. Construct once at
// startup with New and pass it down to the LLM Gateway, Tool Registry
// wrapper, and Task Controller.
type Metrics struct {
	TokensTotal   *prometheus.CounterVec
	ToolLatency   *prometheus.HistogramVec
	ToolErrors    *prometheus.CounterVec
	ActiveTasks   prometheus.Gauge
	RunsTotal     *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() for isolated tests, or prometheus.DefaultRegisterer
// wrapped in a registry for the real server.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "llm_tokens_total",
			Help:      "Total tokens consumed, partitioned by role and kind (input/output).",
		}, []string{"role", "kind"}),
		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "foreman",
			Name:      "tool_invocation_seconds",
			Help:      "Tool invocation latency, partitioned by tool name and scope.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "scope"}),
		ToolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "tool_errors_total",
			Help:      "Tool invocations that returned an error, partitioned by tool name and error kind.",
		}, []string{"tool", "kind"}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "foreman",
			Name:      "active_tasks",
			Help:      "Number of Task Controllers currently running a Run.",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "runs_total",
			Help:      "Completed Runs, partitioned by terminal event type.",
		}, []string{"terminal"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "events_total",
			Help:      "Events appended to the event bus, partitioned by type.",
		}, []string{"type"}),
	}
}

// RecordUsage implements llmgateway.UsageSink.
func (m *Metrics) RecordUsage(role llmgateway.Role, modelID string, usage llmgateway.Usage) {
	m.TokensTotal.WithLabelValues(string(role), "input").Add(float64(usage.Input))
	m.TokensTotal.WithLabelValues(string(role), "output").Add(float64(usage.Output))
}

// RecordToolInvocation records one tool call's latency and, if it failed,
// its error kind.
func (m *Metrics) RecordToolInvocation(toolName, scope string, seconds float64, errKind string) {
	m.ToolLatency.WithLabelValues(toolName, scope).Observe(seconds)
	if errKind != "" {
		m.ToolErrors.WithLabelValues(toolName, errKind).Inc()
	}
}
