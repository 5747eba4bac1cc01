// Package pipeline evaluates the declarative after-tool hook rules
// that can inject follow-up tool calls or control-node transitions
// once a tool result has been processed. Rule shape and evaluation
// order follow the after-tool pipeline embedded in the tool-result
// handling path it was generalized from: ordered rules, glob-matched
// tool names, a guard flag for first-fire-wins idempotency, an
// optional condition gate, and an action that is either a control-node
// transition or a follow-up tool call.
package pipeline

import (
	"fmt"
	"path"
)

// ActionKind distinguishes a control-node transition from a follow-up
// tool call.
type ActionKind string

const (
	ActionControlNode ActionKind = "control_node"
	ActionToolCall     ActionKind = "tool_call"
)

// Action is what a fired rule does.
type Action struct {
	Kind ActionKind

	// ControlNode names the node to transition to when Kind is
	// ActionControlNode.
	ControlNode string

	// ToolName/Arguments describe the follow-up call when Kind is
	// ActionToolCall. Arguments values may contain "$var" placeholders
	// substituted from the evaluation Context.
	ToolName  string
	Arguments map[string]any

	SetFlags map[string]bool
}

// Rule is one after-tool pipeline entry.
type Rule struct {
	// When gates on the processing phase; only "after" rules are
	// evaluated by Evaluate.
	When string

	// Tools/UnlessTools are glob patterns (path.Match syntax) matched
	// against the tool name that just completed. A rule with no Tools
	// patterns matches every tool unless excluded by UnlessTools.
	Tools       []string
	UnlessTools []string

	// GuardKey names a flag that, once set, prevents this rule from
	// firing again until explicitly cleared.
	GuardKey string

	// ConditionHandler is resolved by name against a registered gate
	// function; nil means the rule always passes once tool/guard match.
	ConditionHandler string

	Action Action
}

// Context carries the state a rule evaluation needs: the tool that
// just completed, substitution variables for $-prefixed argument
// placeholders, guard-flag state, and condition-handler resolution.
type Context struct {
	ToolName string
	Vars     map[string]any

	GetFlag func(name string) bool
	SetFlag func(name string, value bool)

	// ConditionHandlers resolves a named gate function. A handler
	// returns ok=false to block the rule from firing and may return
	// additional vars to merge into Vars for action substitution.
	ConditionHandlers map[string]func(ctx *Context) (ok bool, extraVars map[string]any)
}

// Fired is the outcome of a rule that matched and passed its
// condition: which action to take, with any $var placeholders already
// substituted.
type Fired struct {
	Rule   Rule
	Action Action
}

// Evaluate walks rules in order and returns the first one that
// matches toolName, passes its guard and condition gate, and is
// tagged "after". It returns ok=false if no rule fires.
func Evaluate(rules []Rule, ctx *Context) (Fired, bool, error) {
	for _, rule := range rules {
		if rule.When != "after" {
			continue
		}
		if !toolMatches(rule, ctx.ToolName) {
			continue
		}
		if rule.GuardKey != "" && ctx.GetFlag != nil && ctx.GetFlag(rule.GuardKey) {
			continue
		}

		vars := ctx.Vars
		if rule.ConditionHandler != "" {
			handler, ok := ctx.ConditionHandlers[rule.ConditionHandler]
			if !ok {
				return Fired{}, false, fmt.Errorf("pipeline: unknown condition_handler %q", rule.ConditionHandler)
			}
			passed, extra := handler(ctx)
			if !passed {
				continue
			}
			if extra != nil {
				vars = mergeVars(vars, extra)
			}
		}

		if rule.GuardKey != "" && ctx.SetFlag != nil {
			ctx.SetFlag(rule.GuardKey, true)
		}
		for flag, value := range rule.Action.SetFlags {
			if ctx.SetFlag != nil {
				ctx.SetFlag(flag, value)
			}
		}

		action := rule.Action
		if action.Kind == ActionToolCall {
			action.Arguments = substituteVars(action.Arguments, vars)
		}
		return Fired{Rule: rule, Action: action}, true, nil
	}
	return Fired{}, false, nil
}

func toolMatches(rule Rule, toolName string) bool {
	for _, pattern := range rule.UnlessTools {
		if globMatch(pattern, toolName) {
			return false
		}
	}
	if len(rule.Tools) == 0 {
		return true
	}
	for _, pattern := range rule.Tools {
		if globMatch(pattern, toolName) {
			return true
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	if pattern == name {
		return true
	}
	matched, err := path.Match(pattern, name)
	return err == nil && matched
}

func mergeVars(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// substituteVars recursively replaces string values of the exact form
// "$key" with vars[key]. Values that don't match the $-prefix pattern
// pass through unchanged, including ones that merely contain a "$".
func substituteVars(args map[string]any, vars map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = substituteValue(v, vars)
	}
	return out
}

func substituteValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		if len(t) > 1 && t[0] == '$' {
			if resolved, ok := vars[t[1:]]; ok {
				return resolved
			}
		}
		return t
	case map[string]any:
		return substituteVars(t, vars)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, vars)
		}
		return out
	default:
		return v
	}
}
