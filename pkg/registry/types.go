package registry

import "github.com/santhosh-tekuri/jsonschema/v6"

// AgentKind distinguishes an LLM-driven agent from a deterministic
// control node; both share the same canonical-name space.
type AgentKind string

const (
	AgentKindAgent       AgentKind = "agent"
	AgentKindControlNode AgentKind = "control_node"
)

// Prompts holds an agent's templated system/user prompts and its
// allowed-nodes/allowed-tools description, rendered with text/template
// at prompt-construction time.
type Prompts struct {
	System      string
	User        string
	Description string
}

// AgentConfig is the immutable, loader-produced description of one
// agent or control node. Canonical name is "namespace::local".
type AgentConfig struct {
	Name    string
	Kind    AgentKind
	Prompts Prompts

	// StructuredOutputSchema is the closed schema the agent's LLM call
	// must conform to, compiled for validating a returned result. Nil
	// for control nodes and agents with no structured-output contract.
	StructuredOutputSchema *jsonschema.Schema

	// StructuredOutputSchemaRaw is the same schema as the raw map the
	// LLM client sends the provider (compiled schemas are for
	// validation, not wire transmission).
	StructuredOutputSchemaRaw map[string]any

	// InputSchema optionally validates agent_input before the turn
	// runs. Nil means no input validation.
	InputSchema *jsonschema.Schema

	// InputSchemaRaw is InputSchema's source map, used as the LLM
	// schema when a ToolArguments-style node generates arguments for
	// calling this agent rather than validating its own output.
	InputSchemaRaw map[string]any

	AllowedNodes []string // "all" is expanded to every known agent name at load time
	ExceptNodes  []string
	AllowedTools []string // "all" is expanded to every known tool name at load time
	ExceptTools  []string

	SystemContextItems []string
	UserContextItems   []string
	RAGFields          map[string][]string

	Events map[string]string

	LLMParams LLMParams

	AppendFields     []string
	GlobalOutputKeys []string

	Color string

	// FinalAnswerHistory switches recent_history context rendering to
	// the FinalAnswer-style builder: trimmed to result-tagged messages
	// with per-message truncation caps, instead of the default
	// chronological recent-history compaction. Set on planner-style
	// final-answer agents that would otherwise dump the full tool
	// trace into their prompt.
	FinalAnswerHistory bool
}

// LLMParams configures which LLM client backs an agent and how it is
// called.
type LLMParams struct {
	Provider    string // "anthropic", "openai"
	Engine      string
	Temperature float64
	APIKey      string
}

// ToolBackend distinguishes a locally implemented tool from one
// dispatched through an MCP server.
type ToolBackend string

const (
	ToolBackendLocal ToolBackend = "local"
	ToolBackendMCP   ToolBackend = "mcp"
)

// ToolConfig is the immutable, loader-produced description of one
// tool, local or MCP-backed.
type ToolConfig struct {
	Name    string
	Backend ToolBackend

	// Local backend fields.
	ClassRef          string // identifies the registered local.Tool implementation
	OuterArgsSchema   *jsonschema.Schema
	OuterArgsSchemaRaw map[string]any // LLM-facing schema for argument generation
	InnerArgsSchema   *jsonschema.Schema
	DescriptionTmpl   string
	ArgsPromptTmpl    string

	// MCP backend fields.
	MCPServerID  string
	MCPToolName  string
}

// MCPLaunchOption is one candidate stdio launcher the session layer
// tries in order until one succeeds.
type MCPLaunchOption struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// MCPPolicy bounds how long a single MCP call is allowed to run.
type MCPPolicy struct {
	CallTimeoutSeconds float64
}

// MCPServerEntry is the immutable, loader-produced description of one
// MCP server, plus its cached tool list.
type MCPServerEntry struct {
	ServerID      string // "namespace/name"
	DisplayName   string
	Enabled       bool
	LaunchOptions []MCPLaunchOption
	Policy        MCPPolicy
	ToolAllowlist []string
	ToolDenylist  []string
	CachedTools   []MCPToolDescriptor
}

// MCPToolDescriptor is one entry from a server's cached tools/list
// payload.
type MCPToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any // raw JSON schema as returned by tools/list
}

// ToolResultType classifies a ToolResult's content.
type ToolResultType string

const (
	ToolResultTypeTool   ToolResultType = "tool_result"
	ToolResultTypeError  ToolResultType = "error"
	ToolResultTypeLLM    ToolResultType = "llm_result"
)

// ToolResult is the outcome of a tool or agent call, handed from
// ToolCaller to ToolResultHandler and eventually persisted as an
// artifact.
type ToolResult struct {
	ResultType ToolResultType
	Content    string
	Data       map[string]any
}
