package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRulesMissingFileReturnsEmpty(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Nil(t, rules)
}

func TestLoadRulesParsesControlNodeAndToolCallActions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, `
rules:
  - when: after
    tools: ["browser_navigate"]
    guard_key: auto_scan_guard
    condition_handler: auto_scan_in_progress
    action:
      kind: control_node
      control_node: playwright_auto_scan_complete_node
  - when: after
    tools: ["browser_click"]
    action:
      kind: tool_call
      tool_name: browser_snapshot
      arguments:
        page: $selected_tool
`)

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	require.Equal(t, ActionControlNode, rules[0].Action.Kind)
	require.Equal(t, "playwright_auto_scan_complete_node", rules[0].Action.ControlNode)
	require.Equal(t, "auto_scan_in_progress", rules[0].ConditionHandler)

	require.Equal(t, ActionToolCall, rules[1].Action.Kind)
	require.Equal(t, "browser_snapshot", rules[1].Action.ToolName)
	require.Equal(t, "$selected_tool", rules[1].Action.Arguments["page"])
}

func TestLoadRulesRejectsUnknownActionKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	writeFile(t, path, `
rules:
  - when: after
    action:
      kind: not_a_real_kind
`)

	_, err := LoadRules(path)
	require.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
