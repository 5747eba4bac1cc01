package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagStore() (get func(string) bool, set func(string, bool)) {
	flags := make(map[string]bool)
	return func(name string) bool { return flags[name] },
		func(name string, value bool) { flags[name] = value }
}

func TestEvaluateSkipsNonAfterRules(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "before", Tools: []string{"search"}, Action: Action{Kind: ActionControlNode, ControlNode: "x"}},
	}
	_, ok, err := Evaluate(rules, &Context{ToolName: "search", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateMatchesToolGlob(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "after", Tools: []string{"search_*"}, Action: Action{Kind: ActionControlNode, ControlNode: "summarize"}},
	}
	fired, ok, err := Evaluate(rules, &Context{ToolName: "search_web", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "summarize", fired.Action.ControlNode)
}

func TestEvaluateUnlessToolsExcludes(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "after", UnlessTools: []string{"search_web"}, Action: Action{Kind: ActionControlNode, ControlNode: "x"}},
	}
	_, ok, err := Evaluate(rules, &Context{ToolName: "search_web", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateRespectsGuardKey(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "after", GuardKey: "fired_once", Action: Action{Kind: ActionControlNode, ControlNode: "x"}},
	}
	_, ok, err := Evaluate(rules, &Context{ToolName: "anything", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, get("fired_once"))

	_, ok, err = Evaluate(rules, &Context{ToolName: "anything", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	assert.False(t, ok, "second evaluation should be blocked by the guard flag")
}

func TestEvaluateConditionHandlerGate(t *testing.T) {
	get, set := newFlagStore()
	handlers := map[string]func(ctx *Context) (bool, map[string]any){
		"has_results": func(ctx *Context) (bool, map[string]any) {
			n, _ := ctx.Vars["result_count"].(int)
			return n > 0, nil
		},
	}
	rules := []Rule{
		{When: "after", ConditionHandler: "has_results", Action: Action{Kind: ActionControlNode, ControlNode: "summarize"}},
	}

	_, ok, err := Evaluate(rules, &Context{
		ToolName: "search", GetFlag: get, SetFlag: set,
		Vars:              map[string]any{"result_count": 0},
		ConditionHandlers: handlers,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	fired, ok, err := Evaluate(rules, &Context{
		ToolName: "search", GetFlag: get, SetFlag: set,
		Vars:              map[string]any{"result_count": 3},
		ConditionHandlers: handlers,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "summarize", fired.Action.ControlNode)
}

func TestEvaluateUnknownConditionHandlerErrors(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "after", ConditionHandler: "missing", Action: Action{Kind: ActionControlNode, ControlNode: "x"}},
	}
	_, _, err := Evaluate(rules, &Context{ToolName: "search", GetFlag: get, SetFlag: set})
	require.Error(t, err)
}

func TestEvaluateSubstitutesVarsInToolCallArguments(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{
			When: "after",
			Action: Action{
				Kind:     ActionToolCall,
				ToolName: "summarize",
				Arguments: map[string]any{
					"text":    "$last_result",
					"literal": "unchanged",
					"nested":  map[string]any{"ref": "$last_result"},
				},
			},
		},
	}
	fired, ok, err := Evaluate(rules, &Context{
		ToolName: "search", GetFlag: get, SetFlag: set,
		Vars: map[string]any{"last_result": "hello world"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", fired.Action.Arguments["text"])
	assert.Equal(t, "unchanged", fired.Action.Arguments["literal"])
	nested := fired.Action.Arguments["nested"].(map[string]any)
	assert.Equal(t, "hello world", nested["ref"])
}

func TestEvaluateFirstMatchingRuleWins(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "after", Tools: []string{"search"}, Action: Action{Kind: ActionControlNode, ControlNode: "first"}},
		{When: "after", Tools: []string{"search"}, Action: Action{Kind: ActionControlNode, ControlNode: "second"}},
	}
	fired, ok, err := Evaluate(rules, &Context{ToolName: "search", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", fired.Action.ControlNode)
}

func TestEvaluateNoRulesMatch(t *testing.T) {
	get, set := newFlagStore()
	rules := []Rule{
		{When: "after", Tools: []string{"other"}, Action: Action{Kind: ActionControlNode, ControlNode: "x"}},
	}
	_, ok, err := Evaluate(rules, &Context{ToolName: "search", GetFlag: get, SetFlag: set})
	require.NoError(t, err)
	assert.False(t, ok)
}
