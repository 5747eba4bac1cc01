package control

import (
	"fmt"
	"time"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/registry"
)

// ToolCaller executes the call queued by a prior agent turn
// (blackboard.PendingTool): a local tool, an MCP-backed tool, or
// another agent. Agent calls push a fresh call-context scope before
// invoking the callee so its state and message history stay isolated
// from the caller's.
type ToolCaller struct {
	Base

	LocalTools LocalToolResolver
	MCP        MCPCaller
	Events     EventPublisher

	// ArtifactDir is not read by ToolCaller; tool result payloads are
	// persisted by ToolResultHandler, using its own ArtifactDir.
	ArtifactDir string
}

func (c *ToolCaller) ActionHandler(_ *blackboard.Message) (any, error) {
	pending, ok := c.Blackboard.GetPendingTool()
	c.Blackboard.UpdateStateValue(KeyNextAgent, nil)

	if !ok || pending.Name == "" {
		logger.Get().Error("control: missing tool selection on blackboard", "node", c.Name)
		c.Blackboard.UpdateStateValue(KeyLastAgent, c.Name)
		return nil, nil
	}

	logger.Get().Info("control: executing", "node", c.Name, "tool", pending.Name, "arguments", pending.Arguments)
	c.publishProgress(pending)

	// Resolve the target: tool, control node / agent, or unknown.
	toolConfig, isTool := c.Tools.GetTool(pending.Name)
	if isTool {
		return nil, c.executeToolCall(pending.CallingAgent, pending.Name, toolConfig, pending.Arguments)
	}

	agentConfig, isAgent := c.Agents.GetAgentConfig(pending.Name)
	if !isAgent {
		logger.Get().Error("control: target not found in tool or agent registry", "node", c.Name, "target", pending.Name)
		c.Blackboard.UpdateStateValue(KeyLastAgent, c.Name)
		c.Blackboard.UpdateStateValue(KeyError, true)
		return nil, nil
	}

	if agentConfig.Kind == registry.AgentKindControlNode {
		logger.Get().Info("control: transitioning to control node", "node", c.Name, "target", pending.Name)
		c.Blackboard.UpdateStateValue(KeyNextAgent, pending.Name)
		c.Blackboard.UpdateStateValue(KeyLastAgent, c.Name)
		return nil, nil
	}

	if _, ok := c.Agents.GetAgentInstance(pending.Name); !ok {
		msg := fmt.Sprintf(
			"agent %q is configured but not instantiated in this manager runtime; "+
				"add it under the manager's agents list, or expose it via a tool wrapper",
			pending.Name,
		)
		logger.Get().Error("control: "+msg, "node", c.Name)
		c.Blackboard.UpdateStateValue(KeyLastAgent, c.Name)
		c.Blackboard.UpdateStateValue(KeyErrorMessage, msg)
		c.Blackboard.UpdateStateValue(KeyError, true)
		return nil, nil
	}

	return nil, c.executeAgentCall(pending.CallingAgent, pending.Name, pending.Arguments)
}

func (c *ToolCaller) publishProgress(pending blackboard.PendingTool) {
	if c.Events == nil {
		return
	}
	c.Events.Publish(blackboard.Message{
		Sender:     c.Name,
		EventTopic: "agent_progress_fact",
		Data: map[string]any{
			"kind":        "tool_call",
			"agent":       pending.CallingAgent,
			"tool":        pending.Name,
			"next_action": pending.Name,
		},
	})
}

func (c *ToolCaller) executeAgentCall(callingAgent, calledAgent string, arguments map[string]any) error {
	c.Blackboard.AddMsg(blackboard.Message{
		DataType: "tool_request",
		Sender:   callingAgent,
		Content:  fmt.Sprintf("Calling agent %q with arguments: %v", calledAgent, arguments),
	})

	scopeID := blackboard.NewScopeID()
	if err := c.Blackboard.PushCallContext(callingAgent, calledAgent, scopeID); err != nil {
		return fmt.Errorf("control: pushing call context for %q: %w", calledAgent, err)
	}

	agentInstance, ok := c.Agents.GetAgentInstance(calledAgent)
	if !ok {
		msg := fmt.Sprintf("cannot invoke agent %q: no instance registered", calledAgent)
		logger.Get().Error("control: "+msg, "node", c.Name)
		if _, err := c.Blackboard.PopCallContext(); err != nil {
			logger.Get().Warn("control: failed to unwind leaked call context", "error", err)
		}
		c.Blackboard.UpdateStateValue(KeyErrorMessage, msg)
		c.Blackboard.UpdateStateValue(KeyError, true)
		c.Blackboard.UpdateStateValue(KeyLastAgent, c.Name)
		return nil
	}

	result, err := agentInstance.ActionHandler(&blackboard.Message{AgentInput: arguments})
	if err != nil {
		return fmt.Errorf("control: agent %q action handler: %w", calledAgent, err)
	}

	c.Blackboard.UpdateStateValue(calledAgent+"_result", agentResultPayload(result))

	handler, ok := c.Agents.GetAgentInstance("tool_result_handler")
	if !ok {
		logger.Get().Error("control: could not find tool_result_handler for agent result handling", "node", c.Name)
		return nil
	}
	_, err = handler.ActionHandler(&blackboard.Message{})
	return err
}

func agentResultPayload(result any) any {
	switch v := result.(type) {
	case registry.ToolResult:
		if v.Data != nil {
			return v.Data
		}
		return v.Content
	case map[string]any:
		return v
	case nil:
		return nil
	default:
		return fmt.Sprint(v)
	}
}

func (c *ToolCaller) executeToolCall(callingAgent, toolName string, cfg registry.ToolConfig, arguments map[string]any) error {
	c.Blackboard.AddMsg(blackboard.Message{
		DataType: "tool_request",
		Sender:   callingAgent,
		Content:  fmt.Sprintf("Calling tool %s with arguments %v", toolName, arguments),
	})

	var result registry.ToolResult
	if cfg.Backend == registry.ToolBackendMCP {
		result = c.executeMCPToolCall(toolName, cfg, arguments)
	} else {
		result = c.executeLocalToolCall(cfg, arguments)
	}

	c.Blackboard.UpdateStateValue(KeyLastAgent, c.Name)

	handler, ok := c.Agents.GetAgentInstance("tool_result_handler")
	if !ok {
		logger.Get().Error("control: could not find tool_result_handler", "node", c.Name)
		return nil
	}
	resultHandler, ok := handler.(*ToolResultHandler)
	if !ok {
		_, err := handler.ActionHandler(&blackboard.Message{})
		return err
	}
	return resultHandler.ProcessToolResultDirect(&result)
}

func (c *ToolCaller) executeLocalToolCall(cfg registry.ToolConfig, arguments map[string]any) registry.ToolResult {
	if c.LocalTools == nil {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("tool %q has no local tool resolver configured", cfg.Name),
		}
	}
	impl, ok := c.LocalTools.Resolve(cfg.ClassRef)
	if !ok {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("tool %q has no valid class_ref %q", cfg.Name, cfg.ClassRef),
		}
	}

	data := make(map[string]any, len(arguments)+2)
	for k, v := range arguments {
		data[k] = v
	}
	if v := c.Blackboard.GetStateValue("allowed_read_files", nil); v != nil {
		data["allowed_read_files"] = v
	}
	if v := c.Blackboard.GetStateValue("allowed_write_files", nil); v != nil {
		data["allowed_write_files"] = v
	}

	result, err := impl.Run(data)
	if err != nil {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("tool %q failed: %v", cfg.Name, err),
		}
	}
	return result
}

func (c *ToolCaller) executeMCPToolCall(toolName string, cfg registry.ToolConfig, arguments map[string]any) registry.ToolResult {
	if cfg.MCPServerID == "" || cfg.MCPToolName == "" {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("MCP tool misconfigured: missing mcp_server_id or mcp_tool_name for %s", toolName),
		}
	}

	entry, ok := c.Tools.GetMCPServerEntry(cfg.MCPServerID)
	if !ok {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("MCP server entry not loaded: %s", cfg.MCPServerID),
		}
	}

	args := unwrapMCPArguments(arguments)

	timeout := defaultMCPCallTimeout
	if entry.Policy.CallTimeoutSeconds > 0 {
		timeout = time.Duration(entry.Policy.CallTimeoutSeconds * float64(time.Second))
	}

	if c.MCP == nil {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("MCP call failed (%s/%s): no MCP caller configured", cfg.MCPServerID, cfg.MCPToolName),
		}
	}

	result, err := c.MCP.CallTool(entry, cfg.MCPToolName, args, timeout)
	if err != nil {
		return registry.ToolResult{
			ResultType: registry.ToolResultTypeError,
			Content:    fmt.Sprintf("MCP call failed (%s/%s): %v", cfg.MCPServerID, cfg.MCPToolName, err),
			Data: map[string]any{
				"backend":       "mcp",
				"server_id":     cfg.MCPServerID,
				"mcp_tool_name": cfg.MCPToolName,
			},
		}
	}
	return result
}

// unwrapMCPArguments drops nils (structured-output schemas force
// optional fields nullable-but-required) and strips a lone "order"
// key when no "sort" was supplied, mirroring a known server-side
// validation quirk on the search tool this was generalized from.
func unwrapMCPArguments(arguments map[string]any) map[string]any {
	raw := arguments
	if nested, ok := arguments["arguments"].(map[string]any); ok {
		raw = nested
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if v != nil {
			out[k] = v
		}
	}
	if sort, hasSort := out["sort"]; !hasSort || sort == "" {
		delete(out, "order")
	}
	return out
}
