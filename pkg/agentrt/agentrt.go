// Package agentrt implements the agent turn: the template method that
// renders an agent's prompts from blackboard-sourced context, calls an
// LLM with a structured-output schema, and applies the result back to
// the blackboard as state updates, a response message, and a flow
// control decision.
package agentrt

import (
	"time"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/entity"
	"github.com/agentmesh/conductor/pkg/eventhub"
	"github.com/agentmesh/conductor/pkg/llm"
	"github.com/agentmesh/conductor/pkg/rag"
	"github.com/agentmesh/conductor/pkg/registry"
)

// AgentRegistry is the subset of the manager's agent registry an
// agent turn needs: its own config plus the configs of its allowed
// successor agents (for rendering allowed_nodes descriptions).
type AgentRegistry interface {
	GetAgentConfig(name string) (registry.AgentConfig, bool)
	AgentNames() []string
}

// ToolRegistry is the subset of the manager's tool registry an agent
// turn needs to render tool_descriptions.
type ToolRegistry interface {
	GetTool(name string) (registry.ToolConfig, bool)
	ToolNames() []string
}

// Agent runs one canonical agent's turns. It implements
// control.Node so a manager dispatches it the same way it dispatches
// deterministic control nodes.
type Agent struct {
	Name       string
	Config     registry.AgentConfig
	Blackboard *blackboard.Blackboard
	LLM        llm.Client
	Agents     AgentRegistry
	Tools      ToolRegistry
	Events     eventhub.Hub

	Entities entity.Detector
	Cards    entity.Store
	RAG      rag.Retriever

	ragCache *ragCache

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewAgent constructs an Agent ready to run turns.
func NewAgent(name string, cfg registry.AgentConfig, bb *blackboard.Blackboard, client llm.Client, agents AgentRegistry, tools ToolRegistry, events eventhub.Hub) *Agent {
	return &Agent{
		Name:       name,
		Config:     cfg,
		Blackboard: bb,
		LLM:        client,
		Agents:     agents,
		Tools:      tools,
		Events:     events,
		ragCache:   newRAGCache(48 * time.Hour),
		Now:        time.Now,
	}
}

var _ control.Node = (*Agent)(nil)
