package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/pipeline"
	"github.com/agentmesh/conductor/pkg/registry"
)

// ConditionHandler gates an after-tool pipeline rule. It receives the
// raw tool result content and the blackboard so it can decide whether
// the rule should fire, and may return extra substitution vars for
// the rule's action arguments.
type ConditionHandler func(rawContent string, bb *blackboard.Blackboard) (extraVars map[string]any, ok bool)

// ToolResultHandler records a completed tool or agent call in the
// calling agent's visible history and decides who runs next: the
// after-tool pipeline (if a rule fires), otherwise the caller that
// queued the call.
type ToolResultHandler struct {
	Base

	Events      EventPublisher
	ArtifactDir string

	// ConditionHandlers resolves a pipeline rule's condition_handler by
	// name. A rule whose handler returns false does not fire; a rule
	// naming a handler missing from this map makes pipeline evaluation
	// fail, and then no rule fires for that tool result.
	ConditionHandlers map[string]ConditionHandler
}

// ActionHandler is the delegator-facing entry point, used only for
// agent results: it peeks the current call context and, if a result
// is available, pops the scope and routes control back. Tool results
// are always routed through ProcessToolResultDirect instead, called
// by ToolCaller in the same scope.
func (h *ToolResultHandler) ActionHandler(_ *blackboard.Message) (any, error) {
	current, ok := h.Blackboard.GetCurrentCallContext()
	if !ok {
		logger.Get().Warn("control: tool_result_handler invoked with no call context", "node", h.Name)
		h.Blackboard.UpdateStateValue(KeyNextAgent, nil)
		return nil, nil
	}

	result := h.Blackboard.GetStateValue(current.CalledAgent+"_result", nil)
	scopeResult := h.Blackboard.GetStateValue(KeyResult, nil)

	if result == nil && scopeResult == nil {
		next := current.CallingAgent
		if next == "" {
			next = current.CalledAgent
		}
		h.Blackboard.UpdateStateValue(KeyLastAgent, h.Name)
		h.Blackboard.UpdateStateValue(KeyNextAgent, next)
		logger.Get().Warn(
			"control: action_handler reached with call context but no agent result; skipping pop_call_context",
			"node", h.Name, "next_agent", next,
		)
		return nil, nil
	}

	h.processAgentResult(result, current)
	return nil, nil
}

// ProcessToolResultDirect is called by ToolCaller immediately after a
// tool executes, bypassing the call-context check since tool calls
// never push a scope.
func (h *ToolResultHandler) ProcessToolResultDirect(result *registry.ToolResult) error {
	h.Blackboard.UpdateStateValue(KeyNextAgent, nil)
	if result == nil {
		return fmt.Errorf("control: process_tool_result_direct called with no tool result")
	}
	return h.processToolResult(*result)
}

func (h *ToolResultHandler) processToolResult(result registry.ToolResult) error {
	pending, _ := h.Blackboard.GetPendingTool()
	callingAgent := pending.CallingAgent
	scopeID := h.Blackboard.GetCurrentScopeID()

	summary := summarizeToolResult(result)
	contentStr, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("control: marshaling tool result summary: %w", err)
	}

	var attachments []map[string]any
	if raw, ok := result.Data["attachments"].([]map[string]any); ok {
		attachments = raw
	}

	var artifactRef *blackboard.ToolResultRef
	if h.ArtifactDir != "" {
		ref, err := persistToolResultArtifact(h.ArtifactDir, result, callingAgent, scopeID)
		if err != nil {
			logger.Get().Warn("control: failed to persist tool result artifact", "error", err)
		} else {
			artifactRef = ref
		}
	}

	metadata := map[string]any{}
	if len(attachments) > 0 {
		metadata["attachments"] = attachments
	}
	if artifactRef != nil {
		metadata["tool_result_id"] = artifactRef.ToolResultID
		metadata["path"] = artifactRef.Path
	}

	h.Blackboard.AddMsg(blackboard.Message{
		DataType:    "tool_result",
		SubDataType: string(result.ResultType),
		Sender:      "tool",
		Receiver:    callingAgent,
		Content:     string(contentStr),
		Data:        summary,
		Metadata:    metadata,
	})

	h.publishProgress(pending, result, artifactRef)

	if artifactRef != nil {
		h.Blackboard.SetLastToolResultRef(*artifactRef)
	}
	h.Blackboard.SetLastToolResultMeta(blackboard.ToolResultMeta{
		ToolName:     pending.Name,
		ResultType:   string(result.ResultType),
		CallingAgent: callingAgent,
	})
	h.Blackboard.ClearPendingTool()
	h.Blackboard.UpdateStateValue(KeyLastAgent, h.Name)

	if h.runToolPipeline(pending.Name, callingAgent, strings.TrimSpace(result.Content)) {
		return nil
	}

	h.Blackboard.UpdateStateValue(KeyNextAgent, callingAgent)
	h.Blackboard.UpdateStateValue(KeyToolResult, nil)
	h.Blackboard.ClearPendingTool()
	// Call context is intentionally left in place: tool calls stay in
	// the caller's scope.
	return nil
}

func summarizeToolResult(result registry.ToolResult) map[string]any {
	return map[string]any{
		"result_type": result.ResultType,
		"tool_result": result.Content,
	}
}

func (h *ToolResultHandler) publishProgress(pending blackboard.PendingTool, result registry.ToolResult, ref *blackboard.ToolResultRef) {
	if h.Events == nil {
		return
	}
	preview := result.Content
	if len(preview) > 400 {
		preview = preview[:400]
	}
	data := map[string]any{
		"kind":        "tool_result",
		"agent":       pending.CallingAgent,
		"tool":        pending.Name,
		"result_type": result.ResultType,
		"preview":     preview,
	}
	if ref != nil {
		data["tool_result_id"] = ref.ToolResultID
	}
	h.Events.Publish(blackboard.Message{Sender: h.Name, EventTopic: "agent_progress_fact", Data: data})
}

func (h *ToolResultHandler) processAgentResult(agentResult any, current blackboard.CallContext) {
	callingAgent, calledAgent := current.CallingAgent, current.CalledAgent
	calleeNextAgent, _ := h.Blackboard.GetStateValue(KeyNextAgent, nil).(string)
	scopeResult := h.Blackboard.GetStateValue(KeyResult, nil)

	finalResult := agentResult
	if scopeResult != nil {
		finalResult = scopeResult
	}

	var contentStr string
	switch v := finalResult.(type) {
	case nil:
		contentStr = ""
	case string:
		contentStr = v
	default:
		if data, err := json.Marshal(v); err == nil {
			contentStr = string(data)
		} else {
			contentStr = fmt.Sprint(v)
		}
	}

	msg := blackboard.Message{
		DataType: "agent_result",
		Sender:   calledAgent,
		Receiver: callingAgent,
		Content:  contentStr,
		Data:     finalResult,
	}

	if _, err := h.Blackboard.PopCallContext(); err != nil {
		logger.Get().Error("control: popping call context", "node", h.Name, "error", err)
	}
	h.Blackboard.AddMsg(msg)
	h.Blackboard.UpdateStateValue(KeyLastAgent, h.Name)

	next := callingAgent
	if calleeNextAgent != "" {
		if _, ok := h.Agents.GetAgentConfig(calleeNextAgent); ok {
			next = calleeNextAgent
		} else {
			logger.Get().Warn(
				"control: callee requested unavailable next_agent, falling back to caller",
				"node", h.Name, "requested", calleeNextAgent, "caller", callingAgent,
			)
		}
	}
	h.Blackboard.UpdateStateValue(KeyNextAgent, next)
}

// runToolPipeline evaluates the after-tool pipeline rules configured
// for this scope, if any, and applies the first one that fires.
// Returns true if a rule fired (meaning the caller should not also
// route control back to the calling agent).
func (h *ToolResultHandler) runToolPipeline(selectedTool, callingAgent, rawContent string) bool {
	rules, ok := h.Blackboard.GetStateValue(KeyToolPipeline, nil).([]pipeline.Rule)
	if !ok || len(rules) == 0 {
		return false
	}

	ctx := &pipeline.Context{
		ToolName: selectedTool,
		Vars: map[string]any{
			"selected_tool": selectedTool,
			"calling_agent": callingAgent,
		},
		GetFlag:           h.Blackboard.GetFlag,
		SetFlag:           h.Blackboard.SetFlag,
		ConditionHandlers: h.adaptConditionHandlers(rawContent),
	}

	fired, ok, err := pipeline.Evaluate(rules, ctx)
	if err != nil {
		logger.Get().Error("control: tool pipeline evaluation failed", "node", h.Name, "error", err)
		return false
	}
	if !ok {
		return false
	}

	switch fired.Action.Kind {
	case pipeline.ActionControlNode:
		h.Blackboard.UpdateStateValue(KeyNextAgent, fired.Action.ControlNode)
		h.Blackboard.UpdateStateValue(KeyToolResult, nil)
		h.Blackboard.ClearPendingTool()
		return true
	case pipeline.ActionToolCall:
		h.Blackboard.SetPendingTool(blackboard.PendingTool{
			Name:         fired.Action.ToolName,
			Arguments:    fired.Action.Arguments,
			CallingAgent: callingAgent,
			Kind:         "tool",
		})
		h.Blackboard.UpdateStateValue(KeyNextAgent, "tool_caller")
		h.Blackboard.UpdateStateValue(KeyToolResult, nil)
		return true
	default:
		return false
	}
}

func (h *ToolResultHandler) adaptConditionHandlers(rawContent string) map[string]func(ctx *pipeline.Context) (bool, map[string]any) {
	if len(h.ConditionHandlers) == 0 {
		return nil
	}
	adapted := make(map[string]func(ctx *pipeline.Context) (bool, map[string]any), len(h.ConditionHandlers))
	for name, handler := range h.ConditionHandlers {
		handler := handler
		adapted[name] = func(_ *pipeline.Context) (bool, map[string]any) {
			extra, ok := handler(rawContent, h.Blackboard)
			return ok, extra
		}
	}
	return adapted
}
