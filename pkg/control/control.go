// Package control implements the deterministic, non-LLM nodes that sit
// between agent turns in a manager's flow: dispatching a selected tool
// or agent call, routing the result back to the caller, and the exit
// family that unwinds a call stack or terminates a manager run. These
// are generalized from the control-node family (ToolCaller,
// ToolResultHandler, ExitNode, FlowExitNode, GracefulExitControlNode,
// ManagerExitNode) in the pattern hector's controltool package uses
// for deterministic flow-control tools.
package control

import (
	"time"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/registry"
)

// Blackboard state keys used by control nodes. These sit alongside the
// typed PipelineState accessors but are plain, untyped scope state
// because they are simple scalars/flags set and read across many
// different node kinds.
const (
	KeyNextAgent    = "next_agent"
	KeyLastAgent    = "last_agent"
	KeyExit         = "exit"
	KeyError        = "error"
	KeyErrorMessage = "error_message"
	KeyResult       = "result"
	KeyToolResult   = "tool_result"
	KeyToolPipeline = "tool_pipeline"
)

// Node is implemented by every control node and by runnable agents:
// both are entries a ToolCaller can dispatch to, and both are stored
// in AgentRegistry under the same name -> instance map.
type Node interface {
	ActionHandler(msg *blackboard.Message) (any, error)
}

// AgentRegistry resolves agent/control-node configuration and live
// instances by name. It is satisfied by the runtime layer that owns
// agent instantiation (pkg/runtime.Registry), kept narrow here so
// pkg/control has no import-time dependency on it.
type AgentRegistry interface {
	GetAgentConfig(name string) (registry.AgentConfig, bool)
	GetAgentInstance(name string) (Node, bool)
}

// ToolRegistry resolves tool and MCP server configuration by name.
type ToolRegistry interface {
	GetTool(name string) (registry.ToolConfig, bool)
	GetMCPServerEntry(id string) (registry.MCPServerEntry, bool)
}

// LocalTool is a non-MCP, in-process tool implementation.
type LocalTool interface {
	Run(args map[string]any) (registry.ToolResult, error)
}

// LocalToolResolver maps a ToolConfig.ClassRef to a runnable LocalTool.
type LocalToolResolver interface {
	Resolve(classRef string) (LocalTool, bool)
}

// MCPCaller dispatches a tool call to an MCP server.
type MCPCaller interface {
	CallTool(entry registry.MCPServerEntry, toolName string, arguments map[string]any, timeout time.Duration) (registry.ToolResult, error)
}

// EventPublisher emits progress facts for observers (UI, metrics). Nil
// is a valid, silently-ignored publisher.
type EventPublisher interface {
	Publish(msg blackboard.Message)
}

// Base carries the fields every control node needs: its own name for
// logging/state attribution, the blackboard it operates on, and the
// two registries it resolves targets against.
type Base struct {
	Name       string
	Blackboard *blackboard.Blackboard
	Agents     AgentRegistry
	Tools      ToolRegistry
}

const defaultMCPCallTimeout = 20 * time.Second
