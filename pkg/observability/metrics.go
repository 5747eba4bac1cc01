// Package observability exposes the Prometheus counters and
// histograms a manager's control loop and agent turns update, grounded
// on kadirpekel/hector's pkg/observability/metrics.go (a private
// registry plus CounterVec/HistogramVec per concern, served over
// promhttp rather than the default global registerer).
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the manager-loop and agent/tool-call metrics named
// in SPEC_FULL.md §4.5: manager_loop_iterations_total,
// agent_turn_duration_seconds, tool_call_duration_seconds.
type Metrics struct {
	registry *prometheus.Registry

	loopIterations *prometheus.CounterVec
	agentTurns     *prometheus.HistogramVec
	toolCalls      *prometheus.HistogramVec
	nodeErrors     *prometheus.CounterVec
}

// New builds a Metrics instance with its own private registry so
// multiple managers in one process don't collide on metric names.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		loopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manager_loop_iterations_total",
			Help: "Number of control-loop iterations a manager has executed.",
		}, []string{"manager_id"}),
		agentTurns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_turn_duration_seconds",
			Help:    "Duration of one ActionHandler call on an agent or control node other than tool_caller.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		toolCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tool_call_duration_seconds",
			Help:    "Duration of one tool or MCP call dispatched by ToolCaller.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		nodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manager_node_errors_total",
			Help: "Number of control-loop iterations that ended with blackboard error=true.",
		}, []string{"manager_id", "node"}),
	}

	reg.MustRegister(m.loopIterations, m.agentTurns, m.toolCalls, m.nodeErrors)
	return m
}

// ObserveLoopIteration increments the iteration counter for managerID.
func (m *Metrics) ObserveLoopIteration(managerID string) {
	if m == nil {
		return
	}
	m.loopIterations.WithLabelValues(managerID).Inc()
}

// ObserveAgentTurn records how long one node's ActionHandler call took;
// the manager reports every node except tool_caller here.
func (m *Metrics) ObserveAgentTurn(agent string, seconds float64) {
	if m == nil {
		return
	}
	m.agentTurns.WithLabelValues(agent).Observe(seconds)
}

// ObserveToolCall records how long a tool_caller dispatch took.
func (m *Metrics) ObserveToolCall(tool string, seconds float64) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Observe(seconds)
}

// ObserveNodeError increments the error counter for a manager/node pair.
func (m *Metrics) ObserveNodeError(managerID, node string) {
	if m == nil {
		return
	}
	m.nodeErrors.WithLabelValues(managerID, node).Inc()
}

// Handler serves the registry's metrics in the Prometheus exposition
// format, for a host process to mount at e.g. /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
