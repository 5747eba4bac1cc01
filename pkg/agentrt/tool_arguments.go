package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/fatal"
	"github.com/agentmesh/conductor/pkg/llm"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/registry"
)

// visionArgumentAgents are the local agents whose generated "image"
// argument must resolve to an absolute on-disk PNG before dispatch.
// Grounded on ToolArguments.py's vision image-path normalization.
var visionArgumentAgents = map[string]bool{
	"shared::vision_page_scout":    true,
	"shared::vision_target_picker": true,
}

// playwrightWaitTool is the one MCP tool whose "time" argument is
// seconds on the wire but easily mistaken for milliseconds by an
// agent, per ToolArguments.py's unit normalization.
const playwrightWaitTool = "mcp::npm/playwright-mcp::browser_wait_for"

const defaultUploadsDir = "uploads/temp"

// ToolArguments is the control node every agent turn routes to after
// selecting a tool or sub-agent action (toolArgumentsAgent, see
// turn.go's handleFlowControl default branch). It resolves
// selected_tool against the tool/control-node/agent namespaces,
// generates call arguments with an LLM call against the target's own
// schema (skipping the call entirely for a control node or a
// schema-less agent), applies tool-specific argument normalizations,
// and queues the resolved call on the blackboard for ToolCaller to
// execute next.
//
// It embeds *Agent to reuse its prompt-rendering and context-injection
// machinery, the way ToolArguments.py subclasses Agent and overrides
// only action_handler/construct_prompt/process_llm_result.
//
// Grounded on original_source/app/assistant/agent_classes/ToolArguments.py
// and control_nodes/tool_caller.py.
type ToolArguments struct {
	*Agent

	// UploadsDir is where a relative/bare vision image filename is
	// resolved against. Defaults to "uploads/temp" (defaultUploadsDir)
	// if empty, matching the Python original's uploads/temp convention.
	UploadsDir string
}

// NewToolArguments wraps an already-constructed agent turn as a
// ToolArguments control node.
func NewToolArguments(agent *Agent, uploadsDir string) *ToolArguments {
	return &ToolArguments{Agent: agent, UploadsDir: uploadsDir}
}

var _ control.Node = (*ToolArguments)(nil)

func (t *ToolArguments) ActionHandler(msg *blackboard.Message) (any, error) {
	t.setBusy(true)
	defer t.setBusy(false)

	t.Blackboard.UpdateStateValue(control.KeyNextAgent, nil)
	t.Blackboard.UpdateStateValue(control.KeyLastAgent, t.Name)

	selected, _ := t.Blackboard.GetStateValue(keySelectedTool, nil).(string)
	if selected == "" {
		logger.Get().Error("agentrt: no tool or agent selected to generate arguments for", "node", t.Name)
		return nil, nil
	}

	kind, schema, found := t.classify(selected)
	if !found {
		logger.Get().Error("agentrt: selected target is neither a tool nor a registered agent", "node", t.Name, "target", selected)
		return nil, nil
	}

	if schema == nil {
		logger.Get().Info("agentrt: no argument schema for target, dispatching with empty arguments", "node", t.Name, "target", selected)
		t.Blackboard.UpdateStateValue(keyToolArguments, map[string]any{})
		t.dispatch(selected, kind, map[string]any{})
		return map[string]any{}, nil
	}

	if msg == nil {
		msg = &blackboard.Message{}
	}
	system, user := t.constructArgumentsPrompt(msg, selected)

	req := llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Schema:      schema,
		UseJSON:     true,
		Engine:      t.Config.LLMParams.Engine,
		Temperature: t.Config.LLMParams.Temperature,
	}
	result, err := t.LLM.StructuredOutput(context.Background(), req)
	if err != nil {
		logger.Get().Error("agentrt: tool arguments llm call failed", "node", t.Name, "error", err)
		if matched, keyword := llm.IsQuotaExceeded(err.Error()); matched {
			fatal.Exit(1, "agentrt: llm quota exhausted", "node", t.Name, "keyword", keyword)
		}
		result = map[string]any{}
	}
	if matched, keyword := llm.IsQuotaExceeded(fmt.Sprint(result)); matched {
		fatal.Exit(1, "agentrt: llm quota exhausted", "node", t.Name, "keyword", keyword)
	}

	normalized, err := t.normalize(selected, result)
	if err != nil {
		return nil, fmt.Errorf("agentrt: %s: %w", t.Name, err)
	}

	t.Blackboard.UpdateStateValue(keyToolArguments, normalized)
	t.recordResponse(normalized)
	t.dispatch(selected, kind, normalized)
	return normalized, nil
}

// classify resolves selected against the tool, control-node, and agent
// namespaces. schema is nil for a control node, for a local agent with
// no input schema, and for a tool with no outer-args schema — in every
// such case the caller dispatches with empty arguments and skips the
// LLM call.
func (t *ToolArguments) classify(selected string) (kind string, schema map[string]any, found bool) {
	if toolCfg, isTool := t.Tools.GetTool(selected); isTool {
		return "tool", toolCfg.OuterArgsSchemaRaw, true
	}
	agentCfg, isAgent := t.Agents.GetAgentConfig(selected)
	if !isAgent {
		return "", nil, false
	}
	if agentCfg.Kind == registry.AgentKindControlNode {
		return "agent", nil, true
	}
	return "agent", agentCfg.InputSchemaRaw, true
}

// dispatch queues the resolved call for ToolCaller and routes
// next_agent directly to it, closing the loop turn.go's
// handleFlowControl default branch opens by setting
// next_agent=shared::tool_arguments.
func (t *ToolArguments) dispatch(selected, kind string, arguments map[string]any) {
	t.Blackboard.SetPendingTool(blackboard.PendingTool{
		Name:         selected,
		Arguments:    arguments,
		CallingAgent: t.callingAgent(),
		Kind:         kind,
	})
	t.Blackboard.UpdateStateValue(control.KeyNextAgent, "tool_caller")
}

// callingAgent recovers the agent whose turn selected this action:
// turn.go's handleFlowControl default branch records it under
// original_calling_agent before routing here.
func (t *ToolArguments) callingAgent() string {
	v, _ := t.Blackboard.GetStateValue(keyOrigCaller, nil).(string)
	return v
}

// constructArgumentsPrompt renders the system/user prompts for the
// argument-generation call, reusing Agent's context-injection
// machinery and adding the target's own description/argument prompt
// fragments into the user context, mirroring
// ToolArguments.py's get_system_prompt/get_user_prompt.
func (t *ToolArguments) constructArgumentsPrompt(msg *blackboard.Message, selected string) (system, user string) {
	sysCtx, err := t.generateInjectionsBlock(t.Config.SystemContextItems, msg)
	if err != nil {
		logger.Get().Error("agentrt: building tool_arguments system prompt context", "node", t.Name, "error", err)
		sysCtx = map[string]any{}
	}
	system, err = renderTemplate(t.Name+".system", t.Config.Prompts.System, sysCtx)
	if err != nil {
		logger.Get().Error("agentrt: rendering tool_arguments system prompt", "node", t.Name, "error", err)
		system = ""
	}

	userCtx, err := t.generateInjectionsBlock(t.Config.UserContextItems, msg)
	if err != nil {
		logger.Get().Error("agentrt: building tool_arguments user prompt context", "node", t.Name, "error", err)
		userCtx = map[string]any{}
	}
	description, argsPrompt := t.toolPromptFragments(selected)
	userCtx["tool_description"] = description
	userCtx["tool_args"] = argsPrompt

	user, err = renderTemplate(t.Name+".user", t.Config.Prompts.User, userCtx)
	if err != nil {
		logger.Get().Error("agentrt: rendering tool_arguments user prompt", "node", t.Name, "error", err)
		user = ""
	}

	system = strings.ReplaceAll(system, "\n\n", "\n")
	user = strings.ReplaceAll(user, "\n\n", "\n")
	system = collapseBlankRuns.ReplaceAllString(system, "\n\n")
	user = collapseBlankRuns.ReplaceAllString(user, "\n\n")
	system = normalizeToASCII(system)
	user = normalizeToASCII(user)

	if system == "" {
		system = fmt.Sprintf("[%s] Error forming system prompt.", t.Name)
	}
	if user == "" {
		user = fmt.Sprintf("[%s] Error forming user prompt.", t.Name)
	}
	return system, user
}

// toolPromptFragments renders a tool's description/args-prompt
// templates, the Go analogue of tool_registry.get_tool_description and
// get_tool_arguments_prompt. Non-tool targets (agents) have no such
// templates, so both fragments are empty.
func (t *ToolArguments) toolPromptFragments(selected string) (description, argsPrompt string) {
	cfg, ok := t.Tools.GetTool(selected)
	if !ok || cfg.DescriptionTmpl == "" {
		return "", ""
	}
	rendered, err := renderTemplate("tool."+selected+".description", cfg.DescriptionTmpl, map[string]any{"tool_name": selected})
	if err != nil {
		logger.Get().Error("agentrt: rendering tool description", "node", t.Name, "tool", selected, "error", err)
		rendered = cfg.DescriptionTmpl
	}
	description = rendered

	if cfg.ArgsPromptTmpl == "" {
		return description, ""
	}
	argsRendered, err := renderTemplate("tool."+selected+".args_prompt", cfg.ArgsPromptTmpl, map[string]any{"tool_name": selected})
	if err != nil {
		logger.Get().Error("agentrt: rendering tool arguments prompt", "node", t.Name, "tool", selected, "error", err)
		argsRendered = cfg.ArgsPromptTmpl
	}
	return description, argsRendered
}

// recordResponse appends the agent_response message
// ToolArguments.py's process_llm_result records after a successful
// argument-generation call. The schema-less short-circuit path never
// calls this, matching the Python original's early returns.
func (t *ToolArguments) recordResponse(result map[string]any) {
	data, err := json.Marshal(result)
	if err != nil {
		logger.Get().Error("agentrt: marshaling tool arguments response", "node", t.Name, "error", err)
		return
	}
	t.Blackboard.AddMsg(blackboard.Message{
		DataType: "agent_response",
		Sender:   t.Name,
		Receiver: "Blackboard",
		Content:  fmt.Sprintf("%s acted\n Result: %s", t.Name, data),
	})
}

// normalize applies the tool-specific argument fixups
// ToolArguments.py's process_llm_result hard-codes, on a copy of
// result so the caller's map isn't mutated out from under it.
func (t *ToolArguments) normalize(selected string, result map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(result))
	for k, v := range result {
		out[k] = v
	}

	if selected == playwrightWaitTool {
		normalizeWaitTime(out)
	}

	if visionArgumentAgents[selected] {
		if err := t.resolveVisionImagePath(selected, out); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// normalizeWaitTime converts an obviously-milliseconds "time" value
// (>=1000 and an exact multiple of 1000) to seconds, the unit
// browser_wait_for actually expects.
func normalizeWaitTime(args map[string]any) {
	raw, ok := args["time"]
	if !ok {
		return
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return
	}
	if f >= 1000 && f == float64(int64(f)) && int64(f)%1000 == 0 {
		args["time"] = int64(f) / 1000
	}
}

// resolveVisionImagePath resolves a bare/relative image filename to
// <UploadsDir>/<filename> and hard-fails if the resolved file is
// missing or isn't a PNG: a vision agent cannot proceed without a real
// on-disk screenshot.
func (t *ToolArguments) resolveVisionImagePath(selected string, args map[string]any) error {
	raw, ok := args["image"].(string)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("vision agent %q requires an image path, got empty 'image'", selected)
	}

	imgPath := raw
	if !filepath.IsAbs(raw) {
		fname := filepath.Base(raw)
		if fname == "" || fname == "." || fname == string(filepath.Separator) {
			return fmt.Errorf("vision agent %q got invalid image value %q", selected, raw)
		}
		uploadsDir := t.UploadsDir
		if uploadsDir == "" {
			uploadsDir = defaultUploadsDir
		}
		imgPath = filepath.Join(uploadsDir, fname)
		args["image"] = imgPath
	}

	info, err := os.Stat(imgPath)
	if err != nil {
		return fmt.Errorf("vision agent %q image path does not exist: %s", selected, imgPath)
	}
	if info.IsDir() || strings.ToLower(filepath.Ext(imgPath)) != ".png" {
		return fmt.Errorf("vision agent %q requires a .png image, got: %s", selected, imgPath)
	}
	return nil
}
