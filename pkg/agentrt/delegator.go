package agentrt

import (
	"fmt"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/logger"
)

const noPreviousAgent = "NO_PREVIOUS_AGENT"

// FlowConfig is the immutable last_agent -> next_agent routing table a
// manager supplies its delegator nodes.
type FlowConfig struct {
	StateMap map[string]string
}

func (f FlowConfig) pickNextAgent(lastAgent string) (string, bool) {
	if lastAgent == "" {
		lastAgent = noPreviousAgent
	}
	next, ok := f.StateMap[lastAgent]
	return next, ok && next != ""
}

// StrictDelegator is a non-LLM routing node: it reads last_agent,
// consults an immutable state_map, and writes next_agent. A missing
// mapping is a hard error, not a silent fallthrough - this variant
// never asks an LLM to improvise a route.
type StrictDelegator struct {
	Name       string
	Blackboard *blackboard.Blackboard
	FlowConfig FlowConfig
}

func (d *StrictDelegator) ActionHandler(msg *blackboard.Message) (any, error) {
	if msg != nil && msg.Content != "" {
		d.Blackboard.AddMsg(*msg)
	}

	if next, ok := d.Blackboard.GetStateValue(control.KeyNextAgent, nil).(string); ok && next != "" {
		return nil, nil
	}

	lastAgent, _ := d.Blackboard.GetStateValue(control.KeyLastAgent, nil).(string)
	next, ok := d.FlowConfig.pickNextAgent(lastAgent)
	if ok {
		logger.Get().Info("agentrt: delegating", "node", d.Name, "last_agent", lastAgent, "next_agent", next)
		d.Blackboard.UpdateStateValue(control.KeyNextAgent, next)
		return nil, nil
	}

	logger.Get().Error("agentrt: no state_map entry for last_agent", "node", d.Name, "last_agent", lastAgent)
	d.Blackboard.UpdateStateValue(control.KeyErrorMessage, fmt.Sprintf("delegator routing failed: missing state_map entry for %q", lastAgent))
	d.Blackboard.UpdateStateValue(control.KeyError, true)
	d.Blackboard.UpdateStateValue(control.KeyLastAgent, d.Name)
	return nil, nil
}

var _ control.Node = (*StrictDelegator)(nil)

// LLMDelegator tries the same strict state_map lookup first; when no
// mapping exists, it falls back to a full agent turn (an LLM call)
// instead of raising an error, for managers whose flow config is
// intentionally incomplete at certain states.
type LLMDelegator struct {
	Name       string
	Blackboard *blackboard.Blackboard
	FlowConfig FlowConfig
	Fallback   *Agent
}

func (d *LLMDelegator) ActionHandler(msg *blackboard.Message) (any, error) {
	if msg != nil && msg.Content != "" {
		d.Blackboard.AddMsg(*msg)
	}

	if next, ok := d.Blackboard.GetStateValue(control.KeyNextAgent, nil).(string); ok && next != "" {
		return nil, nil
	}

	lastAgent, _ := d.Blackboard.GetStateValue(control.KeyLastAgent, nil).(string)
	if next, ok := d.FlowConfig.pickNextAgent(lastAgent); ok {
		logger.Get().Info("agentrt: delegating", "node", d.Name, "last_agent", lastAgent, "next_agent", next)
		d.Blackboard.UpdateStateValue(control.KeyNextAgent, next)
		return nil, nil
	}

	logger.Get().Info("agentrt: no state_map entry, falling back to llm reasoning", "node", d.Name, "last_agent", lastAgent)
	return d.Fallback.ActionHandler(msg)
}

var _ control.Node = (*LLMDelegator)(nil)
