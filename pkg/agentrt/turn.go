package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/fatal"
	"github.com/agentmesh/conductor/pkg/llm"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/registry"
)

const (
	keyToolCall      = "tool_call"
	keyToolArguments = "tool_arguments"
	keyAgentInput    = "agent_input"
	keySelectedTool  = "selected_tool"
	keyOrigCaller    = "original_calling_agent"

	actionFlowExit = "flow_exit_node"
	actionDone     = "done"
	actionError    = "error"

	toolArgumentsAgent = "shared::tool_arguments"
)

// ActionHandler runs one full agent turn: clears per-turn state,
// stores the incoming message, constructs prompts, invokes the LLM,
// and applies the result back to the blackboard. The busy/idle status
// toggle always brackets the turn, even on an error return, mirroring
// the source template's guarantee that phases 3-6 never leak a stuck
// "busy" agent.
func (a *Agent) ActionHandler(msg *blackboard.Message) (any, error) {
	a.setBusy(true)
	defer a.setBusy(false)

	if msg == nil {
		msg = &blackboard.Message{}
	}

	a.updateBlackboardState(msg)
	a.storeIncomingMessage(msg)
	a.Blackboard.UpdateStateValue(control.KeyLastAgent, a.Name)

	system, user := a.constructPrompt(msg)
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	result := a.runLLMWithSchema(messages)

	resultDict, err := a.processLLMResult(result)
	if err != nil {
		return nil, err
	}
	return resultDict, nil
}

func (a *Agent) setBusy(busy bool) {
	if a.Events != nil {
		a.Events.SetAgentStatus(a.Name, busy)
	}
}

// updateBlackboardState clears the per-turn routing keys and unpacks
// agent_input into individual state entries (dict form) or a single
// agent_input key (string / absent form).
func (a *Agent) updateBlackboardState(msg *blackboard.Message) {
	a.Blackboard.UpdateStateValue(control.KeyNextAgent, nil)
	a.Blackboard.UpdateStateValue(keyToolCall, nil)
	a.Blackboard.UpdateStateValue(keyToolArguments, nil)

	switch ai := msg.AgentInput.(type) {
	case map[string]any:
		for k, v := range ai {
			a.Blackboard.UpdateStateValue(k, v)
		}
	case string:
		a.Blackboard.UpdateStateValue(keyAgentInput, ai)
	default:
		a.Blackboard.UpdateStateValue(keyAgentInput, nil)
	}
}

func (a *Agent) storeIncomingMessage(msg *blackboard.Message) {
	if strings.TrimSpace(msg.Content) != "" {
		a.Blackboard.AddMsg(*msg)
	}
}

// runLLMWithSchema calls the LLM with the agent's configured
// structured-output schema, returning a generic "an error occurred"
// fallback instead of propagating an exception, matching the source's
// never-let-a-turn-crash-on-a-provider-error contract.
func (a *Agent) runLLMWithSchema(messages []llm.Message) map[string]any {
	req := llm.Request{
		Messages:    messages,
		Schema:      a.Config.StructuredOutputSchemaRaw,
		UseJSON:     a.Config.StructuredOutputSchemaRaw != nil,
		Engine:      a.Config.LLMParams.Engine,
		Temperature: a.Config.LLMParams.Temperature,
	}

	result, err := a.LLM.StructuredOutput(context.Background(), req)
	if err != nil {
		logger.Get().Error("agentrt: llm call failed", "agent", a.Name, "error", err)
		if matched, keyword := llm.IsQuotaExceeded(err.Error()); matched {
			fatal.Exit(1, "agentrt: llm quota exhausted", "agent", a.Name, "keyword", keyword)
		}
		return map[string]any{"text": "An error occurred while processing the request."}
	}

	if matched, keyword := llm.IsQuotaExceeded(fmt.Sprint(result)); matched {
		fatal.Exit(1, "agentrt: llm quota exhausted", "agent", a.Name, "keyword", keyword)
	}
	return result
}

// processLLMResult is the shared post-processing template: apply
// state changes, emit the response message, then resolve flow
// control. The LLM result must be a mapping; any other shape is a
// hard error, since structured output is never supposed to degrade to
// a bare string.
func (a *Agent) processLLMResult(result map[string]any) (registry.ToolResult, error) {
	if result == nil {
		return registry.ToolResult{}, fmt.Errorf("agentrt: %s: llm returned no result", a.Name)
	}

	a.applyLLMResultToState(result)
	if err := a.createResponseMessage(result); err != nil {
		return registry.ToolResult{}, err
	}
	if err := a.handleFlowControl(result); err != nil {
		return registry.ToolResult{}, err
	}

	return registry.ToolResult{
		ResultType: registry.ToolResultTypeLLM,
		Content:    fmt.Sprintf("%s acted.", a.Name),
		Data:       result,
	}, nil
}

func (a *Agent) applyLLMResultToState(result map[string]any) {
	global := make(map[string]struct{}, len(a.Config.GlobalOutputKeys))
	for _, k := range a.Config.GlobalOutputKeys {
		global[k] = struct{}{}
	}
	appendKeys := make(map[string]struct{}, len(a.Config.AppendFields))
	for _, k := range a.Config.AppendFields {
		appendKeys[k] = struct{}{}
	}

	for key, value := range result {
		_, isGlobal := global[key]
		_, isAppend := appendKeys[key]

		switch {
		case isAppend && isGlobal:
			a.Blackboard.AppendGlobalStateValue(key, value)
		case isAppend:
			a.Blackboard.AppendStateValue(key, value)
		case isGlobal:
			a.Blackboard.UpdateGlobalStateValue(key, value)
		default:
			a.Blackboard.UpdateStateValue(key, value)
		}
	}
}

func (a *Agent) createResponseMessage(result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("agentrt: %s: non-serializable llm result: %w", a.Name, err)
	}

	action := strings.ToLower(fmt.Sprint(result["action"]))
	subDataType := ""
	if strings.Contains(action, "exit") {
		subDataType = "result"
	}

	a.Blackboard.AddMsg(blackboard.Message{
		DataType:    "agent_response",
		SubDataType: subDataType,
		Sender:      a.Name,
		Receiver:    "Blackboard",
		Content:     fmt.Sprintf("%s acted. Result: %s", a.Name, resultJSON),
	})
	return nil
}

func (a *Agent) handleFlowControl(result map[string]any) error {
	action, _ := result["action"].(string)
	a.Blackboard.UpdateStateValue(keySelectedTool, action)

	if action == actionError {
		return fmt.Errorf("agentrt: %s: action %q leaked into flow control", a.Name, actionError)
	}
	if action == "" {
		return nil
	}

	switch action {
	case actionFlowExit:
		a.Blackboard.UpdateStateValue(control.KeyLastAgent, a.Name+"_flow_exit_node")
		a.Blackboard.UpdateStateValue(control.KeyNextAgent, nil)
		if r, ok := result["result"]; ok && r != nil {
			a.Blackboard.UpdateStateValue(control.KeyResult, r)
		} else {
			a.Blackboard.UpdateStateValue(control.KeyResult, result)
		}
	case actionDone:
		a.Blackboard.UpdateStateValue(control.KeyLastAgent, a.Name)
		a.Blackboard.UpdateStateValue(control.KeyNextAgent, nil)
		if r, ok := result["result"]; ok && r != nil {
			a.Blackboard.UpdateStateValue(control.KeyResult, r)
		}
	default:
		a.Blackboard.UpdateStateValue(keyOrigCaller, a.Name)
		a.Blackboard.UpdateStateValue(control.KeyNextAgent, toolArgumentsAgent)
		incrementActionCount(a.Blackboard, a.Name)
	}
	return nil
}

// actionCountKey names the <agent>_action_count state key, which
// handleFlowControl's default branch increments once per tool or agent
// call a turn dispatches.
func actionCountKey(agentName string) string {
	return agentName + "_action_count"
}

func incrementActionCount(bb *blackboard.Blackboard, agentName string) {
	key := actionCountKey(agentName)
	current := bb.GetStateValue(key, 0)
	n, _ := toInt(current)
	bb.UpdateStateValue(key, n+1)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}
