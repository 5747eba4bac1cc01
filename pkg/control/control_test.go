package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/registry"
)

type fakeAgentRegistry struct {
	configs   map[string]registry.AgentConfig
	instances map[string]Node
}

func newFakeAgentRegistry() *fakeAgentRegistry {
	return &fakeAgentRegistry{configs: map[string]registry.AgentConfig{}, instances: map[string]Node{}}
}

func (r *fakeAgentRegistry) GetAgentConfig(name string) (registry.AgentConfig, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

func (r *fakeAgentRegistry) GetAgentInstance(name string) (Node, bool) {
	inst, ok := r.instances[name]
	return inst, ok
}

type fakeToolRegistry struct {
	tools       map[string]registry.ToolConfig
	mcpServers  map[string]registry.MCPServerEntry
}

func (r *fakeToolRegistry) GetTool(name string) (registry.ToolConfig, bool) {
	cfg, ok := r.tools[name]
	return cfg, ok
}

func (r *fakeToolRegistry) GetMCPServerEntry(id string) (registry.MCPServerEntry, bool) {
	entry, ok := r.mcpServers[id]
	return entry, ok
}

type fakeLocalTool struct {
	result registry.ToolResult
	err    error
	gotArgs map[string]any
}

func (t *fakeLocalTool) Run(args map[string]any) (registry.ToolResult, error) {
	t.gotArgs = args
	return t.result, t.err
}

type fakeLocalToolResolver struct {
	tools map[string]LocalTool
}

func (r *fakeLocalToolResolver) Resolve(classRef string) (LocalTool, bool) {
	t, ok := r.tools[classRef]
	return t, ok
}

type fakeAgent struct {
	result any
	err    error
}

func (a *fakeAgent) ActionHandler(_ *blackboard.Message) (any, error) {
	return a.result, a.err
}

func newHarness() (*blackboard.Blackboard, *fakeAgentRegistry, *fakeToolRegistry) {
	return blackboard.New(), newFakeAgentRegistry(), &fakeToolRegistry{
		tools:      map[string]registry.ToolConfig{},
		mcpServers: map[string]registry.MCPServerEntry{},
	}
}

func TestToolCallerExecutesLocalToolAndRoutesResultToCaller(t *testing.T) {
	bb, agents, tools := newHarness()
	tools.tools["search"] = registry.ToolConfig{Name: "search", Backend: registry.ToolBackendLocal, ClassRef: "search_tool"}

	local := &fakeLocalTool{result: registry.ToolResult{ResultType: registry.ToolResultTypeTool, Content: "hits"}}
	resolver := &fakeLocalToolResolver{tools: map[string]LocalTool{"search_tool": local}}

	resultHandler := &ToolResultHandler{Base: Base{Name: "tool_result_handler", Blackboard: bb, Agents: agents, Tools: tools}}
	agents.instances["tool_result_handler"] = resultHandler

	caller := &ToolCaller{Base: Base{Name: "tool_caller", Blackboard: bb, Agents: agents, Tools: tools}, LocalTools: resolver}

	bb.SetPendingTool(blackboard.PendingTool{Name: "search", CallingAgent: "planner", Arguments: map[string]any{"q": "go"}, Kind: "tool"})

	_, err := caller.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)

	assert.Equal(t, "go", local.gotArgs["q"])
	assert.Equal(t, "planner", bb.GetStateValue(KeyNextAgent, nil))
	_, pending := bb.GetPendingTool()
	assert.False(t, pending, "pending tool should be cleared once processed")
}

func TestToolCallerReportsErrorForUnknownTarget(t *testing.T) {
	bb, agents, tools := newHarness()
	caller := &ToolCaller{Base: Base{Name: "tool_caller", Blackboard: bb, Agents: agents, Tools: tools}}

	bb.SetPendingTool(blackboard.PendingTool{Name: "does_not_exist", CallingAgent: "planner", Kind: "tool"})
	_, err := caller.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)

	assert.Equal(t, true, bb.GetStateValue(KeyError, nil))
}

func TestToolCallerTransitionsToControlNode(t *testing.T) {
	bb, agents, tools := newHarness()
	agents.configs["summarize"] = registry.AgentConfig{Name: "summarize", Kind: registry.AgentKindControlNode}
	caller := &ToolCaller{Base: Base{Name: "tool_caller", Blackboard: bb, Agents: agents, Tools: tools}}

	bb.SetPendingTool(blackboard.PendingTool{Name: "summarize", CallingAgent: "planner", Kind: "agent"})
	_, err := caller.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)

	assert.Equal(t, "summarize", bb.GetStateValue(KeyNextAgent, nil))
}

func TestToolCallerExecutesAgentCallAndPopsScope(t *testing.T) {
	bb, agents, tools := newHarness()
	agents.configs["worker"] = registry.AgentConfig{Name: "worker", Kind: registry.AgentKindAgent}
	agents.instances["worker"] = &fakeAgent{result: map[string]any{"answer": "42"}}

	resultHandler := &ToolResultHandler{Base: Base{Name: "tool_result_handler", Blackboard: bb, Agents: agents, Tools: tools}}
	agents.instances["tool_result_handler"] = resultHandler

	caller := &ToolCaller{Base: Base{Name: "tool_caller", Blackboard: bb, Agents: agents, Tools: tools}}
	bb.SetPendingTool(blackboard.PendingTool{Name: "worker", CallingAgent: "planner", Kind: "agent"})

	before := bb.GetCurrentScopeID()
	_, err := caller.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)

	assert.Equal(t, before, bb.GetCurrentScopeID(), "scope should be popped back to the caller's scope")
	assert.Equal(t, "planner", bb.GetStateValue(KeyNextAgent, nil))
}

func TestFlowExitNodeSignalsManagerExitAtTopLevel(t *testing.T) {
	bb := blackboard.New()
	node := &FlowExitNode{Base{Name: "flow_exit_node", Blackboard: bb}}
	_, err := node.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)
	assert.Equal(t, true, bb.GetStateValue(KeyExit, nil))
}

func TestFlowExitNodeRoutesToPersonalizedExitForSubTask(t *testing.T) {
	bb := blackboard.New()
	require.NoError(t, bb.PushCallContext("planner", "worker", blackboard.NewScopeID()))

	node := &FlowExitNode{Base{Name: "flow_exit_node", Blackboard: bb}}
	_, err := node.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)
	assert.Equal(t, "planner_exit", bb.GetStateValue(KeyLastAgent, nil))
}

func TestExitNodePopsAndReturnsControl(t *testing.T) {
	bb := blackboard.New()
	require.NoError(t, bb.PushCallContext("planner", "worker", blackboard.NewScopeID()))

	node := &ExitNode{Base{Name: "exit_node", Blackboard: bb}}
	_, err := node.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)
	assert.Equal(t, "planner", bb.GetStateValue(KeyNextAgent, nil))
}

func TestManagerExitNodeAlwaysExits(t *testing.T) {
	bb := blackboard.New()
	require.NoError(t, bb.PushCallContext("planner", "worker", blackboard.NewScopeID()))

	node := &ManagerExitNode{Base{Name: "manager_exit_node", Blackboard: bb}}
	_, err := node.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)
	assert.Equal(t, true, bb.GetStateValue(KeyExit, nil))
	assert.Nil(t, bb.GetStateValue(KeyNextAgent, nil))
}

func TestGracefulExitControlNodeRecordsFinalAnswerAndExits(t *testing.T) {
	bb := blackboard.New()
	node := &GracefulExitControlNode{Base{Name: "graceful_exit", Blackboard: bb}}
	_, err := node.ActionHandler(&blackboard.Message{})
	require.NoError(t, err)

	content := bb.GetStateValue("final_answer_content", nil)
	list, ok := content.([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].(string), "Graceful exit")
	assert.Equal(t, true, bb.GetStateValue(KeyExit, nil))
}
