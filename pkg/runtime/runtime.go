// Package runtime wires a loaded registry.Loader's configuration into
// live control.Node instances — an agentrt.Agent turn for every
// AgentKindAgent entry, and the matching pkg/control node for every
// AgentKindControlNode entry — behind the single lookup surface
// pkg/control, pkg/agentrt, and pkg/manager each declare their own
// narrow slice of. Grounded on hector's pkg/builder (AgentBuilder
// composing a runnable agent from config plus injected dependencies),
// adapted here to a one-shot Build over the loader's already-validated
// configs rather than fluent method chaining, since a manager's agent
// set is fixed at load time, not assembled incrementally by caller
// code.
package runtime

import (
	"fmt"

	"github.com/agentmesh/conductor/pkg/agentrt"
	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/entity"
	"github.com/agentmesh/conductor/pkg/eventhub"
	"github.com/agentmesh/conductor/pkg/llm"
	"github.com/agentmesh/conductor/pkg/llm/anthropic"
	"github.com/agentmesh/conductor/pkg/llm/openai"
	"github.com/agentmesh/conductor/pkg/rag"
	"github.com/agentmesh/conductor/pkg/registry"
)

// ControlNodeFactory builds one named deterministic control node. A
// factory closes over whatever that node needs beyond the shared
// control.Base (ArtifactDir, LocalTools, MCP, ConditionHandlers,
// FlowConfig, ...), since that wiring is host-specific and not part of
// a loader-produced AgentConfig.
type ControlNodeFactory func(name string, base control.Base) control.Node

// Options configures Build.
type Options struct {
	Loader     *registry.Loader
	Blackboard *blackboard.Blackboard
	Events     eventhub.Hub

	// ControlNodes supplies one factory per canonical control-node name
	// the loader discovered. A discovered control node with no matching
	// factory fails Build — every control_node in agents/ must have
	// runtime code behind it, the same way the original's control node
	// family is one Python class per file, dispatched by filename.
	ControlNodes map[string]ControlNodeFactory

	// LLMForAgent resolves the llm.Client backing one agent. Required
	// whenever the loader discovers at least one AgentKindAgent entry.
	// See DefaultLLMForAgent for the provider-switch most callers want.
	LLMForAgent func(cfg registry.AgentConfig) (llm.Client, error)

	Entities entity.Detector
	Cards    entity.Store
	RAG      rag.Retriever
}

// Registry is the live, queryable result of Build. It satisfies
// agentrt.AgentRegistry, agentrt.ToolRegistry, control.AgentRegistry,
// control.ToolRegistry, and manager.AgentRegistry simultaneously, so
// one value wires a whole manager without adapters.
type Registry struct {
	loader    *registry.Loader
	instances map[string]control.Node
}

// Build instantiates one control.Node per agent/control-node config
// the loader discovered. Agents become agentrt.Agent turns backed by
// opts.LLMForAgent; control nodes are resolved through
// opts.ControlNodes by canonical name.
func Build(opts Options) (*Registry, error) {
	reg := &Registry{loader: opts.Loader, instances: make(map[string]control.Node)}

	for _, cfg := range opts.Loader.Agents.List() {
		switch cfg.Kind {
		case registry.AgentKindAgent:
			if opts.LLMForAgent == nil {
				return nil, fmt.Errorf("runtime: agent %q needs an llm client but no LLMForAgent was configured", cfg.Name)
			}
			client, err := opts.LLMForAgent(cfg)
			if err != nil {
				return nil, fmt.Errorf("runtime: building llm client for agent %q: %w", cfg.Name, err)
			}

			agent := agentrt.NewAgent(cfg.Name, cfg, opts.Blackboard, client, reg, reg, opts.Events)
			agent.Entities = opts.Entities
			agent.Cards = opts.Cards
			agent.RAG = opts.RAG
			reg.instances[cfg.Name] = agent

		case registry.AgentKindControlNode:
			factory, ok := opts.ControlNodes[cfg.Name]
			if !ok {
				return nil, fmt.Errorf("runtime: no control node factory registered for %q", cfg.Name)
			}
			base := control.Base{Name: cfg.Name, Blackboard: opts.Blackboard, Agents: reg, Tools: reg}
			reg.instances[cfg.Name] = factory(cfg.Name, base)

		default:
			return nil, fmt.Errorf("runtime: agent %q has unknown kind %q", cfg.Name, cfg.Kind)
		}
	}

	return reg, nil
}

// GetAgentConfig satisfies agentrt.AgentRegistry and control.AgentRegistry.
func (r *Registry) GetAgentConfig(name string) (registry.AgentConfig, bool) {
	return r.loader.Agents.Get(name)
}

// GetAgentInstance satisfies control.AgentRegistry and manager.AgentRegistry.
func (r *Registry) GetAgentInstance(name string) (control.Node, bool) {
	n, ok := r.instances[name]
	return n, ok
}

// AgentNames satisfies agentrt.AgentRegistry.
func (r *Registry) AgentNames() []string {
	return r.loader.Agents.Names()
}

// GetTool satisfies agentrt.ToolRegistry and control.ToolRegistry.
func (r *Registry) GetTool(name string) (registry.ToolConfig, bool) {
	return r.loader.Tools.Get(name)
}

// ToolNames satisfies agentrt.ToolRegistry.
func (r *Registry) ToolNames() []string {
	return r.loader.Tools.Names()
}

// GetMCPServerEntry satisfies control.ToolRegistry.
func (r *Registry) GetMCPServerEntry(id string) (registry.MCPServerEntry, bool) {
	return r.loader.MCPServers.Get(id)
}

// DefaultLLMForAgent builds an llm.Client from cfg.LLMParams,
// falling back to the manager-wide defaults when a per-agent
// config.yaml leaves llm_params blank — the common case, since most
// agents inherit the manager's default model rather than pinning
// their own provider/engine/key.
func DefaultLLMForAgent(fallbackProvider, fallbackAPIKey, fallbackEngine string, maxTokens int64) func(registry.AgentConfig) (llm.Client, error) {
	return func(cfg registry.AgentConfig) (llm.Client, error) {
		provider := cfg.LLMParams.Provider
		if provider == "" {
			provider = fallbackProvider
		}
		apiKey := cfg.LLMParams.APIKey
		if apiKey == "" {
			apiKey = fallbackAPIKey
		}
		engine := cfg.LLMParams.Engine
		if engine == "" {
			engine = fallbackEngine
		}

		switch provider {
		case "anthropic":
			return anthropic.New(apiKey, engine, maxTokens), nil
		case "openai":
			return openai.New(apiKey, engine), nil
		default:
			return nil, fmt.Errorf("runtime: unknown llm provider %q for agent %q", provider, cfg.Name)
		}
	}
}
