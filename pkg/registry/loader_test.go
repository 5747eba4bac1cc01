package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoaderLoadsAgentsAndControlNodes(t *testing.T) {
	root := t.TempDir()
	agentsDir := filepath.Join(root, "agents")

	writeFile(t, filepath.Join(agentsDir, "planner", "config.yaml"), `
type: agent
allowed_nodes: all
allowed_tools: all
llm_params:
  provider: anthropic
  engine: claude-3-5-sonnet
  temperature: 0.2
`)
	writeFile(t, filepath.Join(agentsDir, "planner", "prompts", "system.tmpl"), "You are the planner.")
	writeFile(t, filepath.Join(agentsDir, "planner", "prompts", "user.tmpl"), "{{.incoming_message}}")

	writeFile(t, filepath.Join(agentsDir, "tool_caller", "config.yaml"), "type: control_node\n")
	writeFile(t, filepath.Join(agentsDir, "tool_caller", "prompts", "system.tmpl"), "n/a")
	writeFile(t, filepath.Join(agentsDir, "tool_caller", "prompts", "user.tmpl"), "n/a")

	// Directory with .ignore must be skipped entirely.
	writeFile(t, filepath.Join(agentsDir, "wip", "config.yaml"), "type: agent\n")
	writeFile(t, filepath.Join(agentsDir, "wip", ".ignore"), "")

	l := NewLoader(agentsDir, "", "")
	require.NoError(t, l.Load())

	assert.Equal(t, 2, l.Agents.Count())

	planner, ok := l.Agents.Get("planner")
	require.True(t, ok)
	assert.Equal(t, AgentKindAgent, planner.Kind)
	assert.Equal(t, "anthropic", planner.LLMParams.Provider)
	assert.ElementsMatch(t, []string{"planner", "tool_caller"}, planner.AllowedNodes)

	toolCaller, ok := l.Agents.Get("tool_caller")
	require.True(t, ok)
	assert.Equal(t, AgentKindControlNode, toolCaller.Kind)

	_, ok = l.Agents.Get("wip")
	assert.False(t, ok)
}

func TestLoaderLoadIsIdempotent(t *testing.T) {
	root := t.TempDir()
	agentsDir := filepath.Join(root, "agents")
	writeFile(t, filepath.Join(agentsDir, "solo", "config.yaml"), "type: agent\n")
	writeFile(t, filepath.Join(agentsDir, "solo", "prompts", "system.tmpl"), "sys")
	writeFile(t, filepath.Join(agentsDir, "solo", "prompts", "user.tmpl"), "usr")

	l := NewLoader(agentsDir, "", "")
	require.NoError(t, l.Load())
	require.NoError(t, l.Load()) // second call is a no-op, not an error
	assert.Equal(t, 1, l.Agents.Count())
}

func TestLoaderAbortsOnMissingPrompts(t *testing.T) {
	root := t.TempDir()
	agentsDir := filepath.Join(root, "agents")
	writeFile(t, filepath.Join(agentsDir, "broken", "config.yaml"), "type: agent\n")
	// No prompts directory at all.

	l := NewLoader(agentsDir, "", "")
	assert.Error(t, l.Load())
}

func TestLoaderForkSharesRegistries(t *testing.T) {
	root := t.TempDir()
	agentsDir := filepath.Join(root, "agents")
	writeFile(t, filepath.Join(agentsDir, "solo", "config.yaml"), "type: agent\n")
	writeFile(t, filepath.Join(agentsDir, "solo", "prompts", "system.tmpl"), "sys")
	writeFile(t, filepath.Join(agentsDir, "solo", "prompts", "user.tmpl"), "usr")

	l := NewLoader(agentsDir, "", "")
	require.NoError(t, l.Load())

	forked := l.Fork()
	assert.True(t, forked.Loaded())
	_, ok := forked.Agents.Get("solo")
	assert.True(t, ok)
}
