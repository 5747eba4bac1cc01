package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/conductor/pkg/agentrt"
	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/llm"
	"github.com/agentmesh/conductor/pkg/registry"
)

type fakeLLMClient struct{}

func (fakeLLMClient) StructuredOutput(_ context.Context, _ llm.Request) (map[string]any, error) {
	return map[string]any{"text": "ok"}, nil
}

func newTestLoader() *registry.Loader {
	l := registry.NewLoader("", "", "")
	_ = l.Agents.Register("tool_caller", registry.AgentConfig{Name: "tool_caller", Kind: registry.AgentKindControlNode})
	_ = l.Agents.Register("planner", registry.AgentConfig{Name: "planner", Kind: registry.AgentKindAgent})
	_ = l.Tools.Register("web_search", registry.ToolConfig{Name: "web_search", Backend: registry.ToolBackendLocal})
	_ = l.MCPServers.Register("shared/fs", registry.MCPServerEntry{ServerID: "shared/fs", Enabled: true})
	return l
}

func TestBuildWiresAgentsAndControlNodes(t *testing.T) {
	loader := newTestLoader()
	bb := blackboard.New()

	reg, err := Build(Options{
		Loader:     loader,
		Blackboard: bb,
		ControlNodes: map[string]ControlNodeFactory{
			"tool_caller": func(name string, base control.Base) control.Node {
				return &control.ExitNode{Base: base}
			},
		},
		LLMForAgent: func(registry.AgentConfig) (llm.Client, error) {
			return fakeLLMClient{}, nil
		},
	})
	require.NoError(t, err)

	node, ok := reg.GetAgentInstance("tool_caller")
	require.True(t, ok)
	require.IsType(t, &control.ExitNode{}, node)

	agentNode, ok := reg.GetAgentInstance("planner")
	require.True(t, ok)
	require.IsType(t, &agentrt.Agent{}, agentNode)

	cfg, ok := reg.GetAgentConfig("planner")
	require.True(t, ok)
	require.Equal(t, registry.AgentKindAgent, cfg.Kind)

	require.ElementsMatch(t, []string{"tool_caller", "planner"}, reg.AgentNames())

	toolCfg, ok := reg.GetTool("web_search")
	require.True(t, ok)
	require.Equal(t, registry.ToolBackendLocal, toolCfg.Backend)

	mcpEntry, ok := reg.GetMCPServerEntry("shared/fs")
	require.True(t, ok)
	require.True(t, mcpEntry.Enabled)
}

func TestBuildFailsOnMissingControlNodeFactory(t *testing.T) {
	loader := newTestLoader()
	bb := blackboard.New()

	_, err := Build(Options{
		Loader:     loader,
		Blackboard: bb,
		LLMForAgent: func(registry.AgentConfig) (llm.Client, error) {
			return fakeLLMClient{}, nil
		},
	})
	require.Error(t, err)
}

func TestBuildFailsOnMissingLLMForAgent(t *testing.T) {
	loader := newTestLoader()
	bb := blackboard.New()

	_, err := Build(Options{
		Loader:     loader,
		Blackboard: bb,
		ControlNodes: map[string]ControlNodeFactory{
			"tool_caller": func(name string, base control.Base) control.Node {
				return &control.ExitNode{Base: base}
			},
		},
	})
	require.Error(t, err)
}
