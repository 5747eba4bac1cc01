// Package manager implements the per-manager control loop (spec.md
// §4.5): it owns one Blackboard, reads next_agent off it each
// iteration, dispatches to the resolved control.Node, and feeds back a
// synthetic tick message until the blackboard signals exit, error, or
// the loop-count guard trips.
//
// The loop shape is grounded on kadirpekel/hector/pkg/runner.Runner.Run
// (fetch-next/dispatch/advance, deferred cleanup that always runs),
// adapted from session-turn iteration to blackboard-driven dispatch per
// original_source's MultiAgentManager.execute_flow.
package manager

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/observability"
)

// DefaultDelegatorName is the agent dispatched when next_agent is
// unset, per spec.md §4.5's loop pseudocode.
const DefaultDelegatorName = "delegator"

// AgentRegistry resolves a canonical agent/control-node name to the
// live instance a manager dispatches to. Both LLM-driven agents
// (agentrt.Agent) and deterministic control nodes satisfy control.Node.
// This is the same contract pkg/control's ToolCaller/ToolResultHandler
// resolve against, so one registry implementation serves both.
type AgentRegistry interface {
	GetAgentInstance(name string) (control.Node, bool)
}

// Config constructs a Manager.
type Config struct {
	ID            string
	Blackboard    *blackboard.Blackboard
	Agents        AgentRegistry
	DelegatorName string // defaults to DefaultDelegatorName
	MaxLoops      int    // defaults to 200, per spec.md §7 "max-loop exceeded"
	Metrics       *observability.Metrics
}

// Manager drives one Blackboard's agents/control-nodes to completion.
// It is single-threaded and cooperative: at most one node runs at a
// time, matching spec.md §5's "at most one agent per manager executes
// at any time" guarantee. This is enforced structurally, since Run never
// dispatches concurrently; the per-agent busy flags in agentrt are only
// reported to the event hub and do not refuse a re-entrant call.
type Manager struct {
	id            string
	bb            *blackboard.Blackboard
	agents        AgentRegistry
	delegatorName string
	maxLoops      int
	metrics       *observability.Metrics

	loopCount int
	cancelled atomic.Bool
}

// New constructs a Manager ready to Run.
func New(cfg Config) *Manager {
	delegator := cfg.DelegatorName
	if delegator == "" {
		delegator = DefaultDelegatorName
	}
	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 200
	}
	return &Manager{
		id:            cfg.ID,
		bb:            cfg.Blackboard,
		agents:        cfg.Agents,
		delegatorName: delegator,
		maxLoops:      maxLoops,
		metrics:       cfg.Metrics,
	}
}

// Cancel requests the loop stop at the next iteration boundary. It is
// safe to call from another goroutine; the loop itself remains
// single-threaded, it only polls this flag cooperatively between
// dispatches, per spec.md §5's cancellation model.
func (m *Manager) Cancel() {
	m.cancelled.Store(true)
}

// Run drives the control loop until the blackboard's exit or error
// flag is set, cancellation is requested, or MaxLoops is exceeded (at
// which point it forces a graceful exit rather than erroring out).
// ctx cancellation is honored the same way as Cancel.
func (m *Manager) Run(ctx context.Context, initial *blackboard.Message) error {
	currentMessage := initial
	if currentMessage == nil {
		currentMessage = &blackboard.Message{DataType: "task"}
	}

	for {
		select {
		case <-ctx.Done():
			m.signalCancellation()
			return ctx.Err()
		default:
		}

		if m.cancelled.Load() {
			m.signalCancellation()
			return nil
		}

		if exit, _ := m.bb.GetStateValue(control.KeyExit, false).(bool); exit {
			logger.Get().Info("manager: exit flag set, stopping loop", "manager_id", m.id, "loop_count", m.loopCount)
			return nil
		}
		if errored, _ := m.bb.GetStateValue(control.KeyError, false).(bool); errored {
			msg, _ := m.bb.GetStateValue(control.KeyErrorMessage, "").(string)
			logger.Get().Error("manager: error flag set, stopping loop", "manager_id", m.id, "message", msg)
			return fmt.Errorf("manager %s: %s", m.id, msg)
		}

		nextName, _ := m.bb.GetStateValue(control.KeyNextAgent, nil).(string)
		if nextName == "" {
			nextName = m.delegatorName
		}

		node, ok := m.agents.GetAgentInstance(nextName)
		if !ok {
			logger.Get().Error("manager: unknown next_agent, cannot dispatch", "manager_id", m.id, "next_agent", nextName)
			m.bb.UpdateStateValue(control.KeyError, true)
			m.bb.UpdateStateValue(control.KeyErrorMessage, fmt.Sprintf("manager: no agent or control node named %q", nextName))
			if m.metrics != nil {
				m.metrics.ObserveNodeError(m.id, nextName)
			}
			continue
		}

		start := time.Now()
		_, err := node.ActionHandler(currentMessage)
		m.recordDuration(nextName, time.Since(start))
		if err != nil {
			logger.Get().Error("manager: node action_handler failed", "manager_id", m.id, "node", nextName, "error", err)
			m.bb.UpdateStateValue(control.KeyError, true)
			m.bb.UpdateStateValue(control.KeyErrorMessage, err.Error())
			if m.metrics != nil {
				m.metrics.ObserveNodeError(m.id, nextName)
			}
			continue
		}

		currentMessage = m.tick()

		m.loopCount++
		if m.metrics != nil {
			m.metrics.ObserveLoopIteration(m.id)
		}
		if m.loopCount > m.maxLoops {
			m.forceGracefulExit()
			return nil
		}
	}
}

// tick builds the synthetic message a manager feeds back into the
// loop after every dispatch. Its Data holds only manager_id and
// loop_count; a Manager has no flow config and does not include one.
// agentrt.Agent and the control nodes only read msg.Content/AgentInput.
func (m *Manager) tick() *blackboard.Message {
	return &blackboard.Message{
		DataType: "manager_tick",
		Sender:   m.id,
		Data: map[string]any{
			"manager_id": m.id,
			"loop_count": m.loopCount,
		},
	}
}

func (m *Manager) recordDuration(node string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	if node == "tool_caller" {
		m.metrics.ObserveToolCall(node, d.Seconds())
		return
	}
	m.metrics.ObserveAgentTurn(node, d.Seconds())
}

// forceGracefulExit is the §7 "max-loop exceeded" path: append a
// summary message and set exit=true rather than returning an error,
// since exceeding the loop guard is an expected backstop, not a bug.
func (m *Manager) forceGracefulExit() {
	logger.Get().Warn("manager: max loops exceeded, forcing graceful exit", "manager_id", m.id, "max_loops", m.maxLoops)
	m.bb.AddMsg(blackboard.Message{
		DataType: "agent_msg",
		Sender:   m.id,
		Content:  fmt.Sprintf("manager %s exiting: exceeded max_manager_loops (%d)", m.id, m.maxLoops),
	})
	m.bb.UpdateGlobalStateValue(control.KeyExit, true)
}

func (m *Manager) signalCancellation() {
	logger.Get().Info("manager: cancellation requested, stopping loop", "manager_id", m.id, "loop_count", m.loopCount)
	m.bb.UpdateGlobalStateValue(control.KeyExit, true)
	m.bb.UpdateGlobalStateValue("cancelled", true)
}

// LoopCount reports how many iterations Run has completed so far,
// mainly for tests and diagnostics.
func (m *Manager) LoopCount() int {
	return m.loopCount
}
