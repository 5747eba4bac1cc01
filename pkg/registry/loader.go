package registry

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/conductor/pkg/logger"
)

// Loader discovers agents, control nodes, tools, and MCP server
// entries from on-disk configuration and populates read-only
// registries consumed by managers. Loading is idempotent: a second
// Load call is a no-op beyond a warning log, since configs are
// immutable once read.
type Loader struct {
	AgentsDir string
	ToolsDir  string
	MCPDir    string

	Agents     *BaseRegistry[AgentConfig]
	Tools      *BaseRegistry[ToolConfig]
	MCPServers *BaseRegistry[MCPServerEntry]

	mu     sync.Mutex
	loaded bool
}

// NewLoader constructs a Loader rooted at the given directories. Any
// of the three may be empty, in which case that entity kind is never
// discovered (useful for tests that only care about agents, say).
func NewLoader(agentsDir, toolsDir, mcpDir string) *Loader {
	return &Loader{
		AgentsDir:  agentsDir,
		ToolsDir:   toolsDir,
		MCPDir:     mcpDir,
		Agents:     NewBaseRegistry[AgentConfig](),
		Tools:      NewBaseRegistry[ToolConfig](),
		MCPServers: NewBaseRegistry[MCPServerEntry](),
	}
}

// agentFileConfig is the on-disk shape of an agent or control node's
// config.yaml.
type agentFileConfig struct {
	Type               string              `yaml:"type"`
	Color              string              `yaml:"color"`
	AllowedNodes       yamlStringList      `yaml:"allowed_nodes"`
	ExceptNodes        []string            `yaml:"except_nodes"`
	AllowedTools       yamlStringList      `yaml:"allowed_tools"`
	ExceptTools        []string            `yaml:"except_tools"`
	SystemContextItems []string            `yaml:"system_context_items"`
	UserContextItems   []string            `yaml:"user_context_items"`
	RAGFields          map[string][]string `yaml:"rag_fields"`
	Events             map[string]string   `yaml:"events"`
	AppendFields       []string            `yaml:"append_fields"`
	GlobalOutputKeys   []string            `yaml:"global_output_keys"`
	LLMParams          struct {
		Provider    string  `yaml:"provider"`
		Engine      string  `yaml:"engine"`
		Temperature float64 `yaml:"temperature"`
		APIKey      string  `yaml:"api_key"`
	} `yaml:"llm_params"`
}

// yamlStringList accepts either the literal "all" or a YAML sequence
// of strings, since allowed_nodes/allowed_tools support both forms.
type yamlStringList struct {
	All   bool
	Items []string
}

func (l *yamlStringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "all" {
			l.All = true
			return nil
		}
		l.Items = []string{s}
		return nil
	}
	return value.Decode(&l.Items)
}

// Load walks AgentsDir, ToolsDir, and MCPDir, populating the
// registries. Calling Load a second time is a no-op that logs a
// warning; registries are immutable after their first successful
// load.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		logger.Get().Warn("registry: load() called again after initial load",
			"stack", string(debug.Stack()))
		return nil
	}

	if l.AgentsDir != "" {
		if err := l.loadAgents(); err != nil {
			return fmt.Errorf("registry: loading agents: %w", err)
		}
	}
	if l.ToolsDir != "" {
		if err := l.loadTools(); err != nil {
			return fmt.Errorf("registry: loading tools: %w", err)
		}
	}
	if l.MCPDir != "" {
		if err := l.loadMCPServers(); err != nil {
			return fmt.Errorf("registry: loading MCP servers: %w", err)
		}
	}

	l.expandAllowAll()
	l.loaded = true
	return nil
}

// Loaded reports whether Load has completed successfully at least
// once.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Fork returns a Loader sharing the same read-only registries. Per
// the ownership model, agent *instances* are not part of the
// registry (they live in a manager's agentrt runtime), so there is
// no per-agent instance state to clear here; a fork only needs to
// hand a manager its own reference to otherwise-shared configuration.
func (l *Loader) Fork() *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Loader{
		AgentsDir:  l.AgentsDir,
		ToolsDir:   l.ToolsDir,
		MCPDir:     l.MCPDir,
		Agents:     l.Agents,
		Tools:      l.Tools,
		MCPServers: l.MCPServers,
		loaded:     l.loaded,
	}
}

func (l *Loader) loadAgents() error {
	return l.loadAgentsUnder(l.AgentsDir)
}

// loadAgentsUnder registers every agent directory below parent. A
// directory without its own config.yaml is a namespace and is walked
// recursively, so agents/shared/tool_arguments loads as
// "shared::tool_arguments".
func (l *Loader) loadAgentsUnder(parent string) error {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(parent, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ".ignore")); err == nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "config.yaml")); os.IsNotExist(err) {
			if err := l.loadAgentsUnder(dir); err != nil {
				return err
			}
			continue
		}

		cfg, err := l.loadOneAgentDir(l.AgentsDir, dir)
		if err != nil {
			return fmt.Errorf("agent %q: %w", canonicalName(l.AgentsDir, dir), err)
		}
		if cfg == nil {
			continue
		}
		if err := l.Agents.Register(cfg.Name, *cfg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadOneAgentDir(root, dir string) (*AgentConfig, error) {
	name := canonicalName(root, dir)

	rawCfg, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading config.yaml: %w", err)
	}
	var fileCfg agentFileConfig
	if err := yaml.Unmarshal(rawCfg, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing config.yaml: %w", err)
	}

	prompts, err := l.loadPrompts(dir)
	if err != nil {
		// Missing required templates aborts process start (loader failure).
		return nil, fmt.Errorf("loading prompts: %w", err)
	}

	kind := AgentKindAgent
	if fileCfg.Type == "control_node" {
		kind = AgentKindControlNode
	}

	cfg := &AgentConfig{
		Name:               name,
		Kind:               kind,
		Prompts:            prompts,
		AllowedNodes:       resolveList(fileCfg.AllowedNodes, nil),
		ExceptNodes:        fileCfg.ExceptNodes,
		AllowedTools:       resolveList(fileCfg.AllowedTools, nil),
		ExceptTools:        fileCfg.ExceptTools,
		SystemContextItems: fileCfg.SystemContextItems,
		UserContextItems:   fileCfg.UserContextItems,
		RAGFields:          fileCfg.RAGFields,
		Events:             fileCfg.Events,
		AppendFields:       fileCfg.AppendFields,
		GlobalOutputKeys:   fileCfg.GlobalOutputKeys,
		Color:              fileCfg.Color,
		LLMParams: LLMParams{
			Provider:    fileCfg.LLMParams.Provider,
			Engine:      fileCfg.LLMParams.Engine,
			Temperature: fileCfg.LLMParams.Temperature,
			APIKey:      fileCfg.LLMParams.APIKey,
		},
	}

	if raw, schema, err := l.loadSchemaIfPresent(dir, "structured_output.schema.json", name+".structured_output"); err != nil {
		return nil, err
	} else {
		cfg.StructuredOutputSchema = schema
		cfg.StructuredOutputSchemaRaw = raw
	}
	if raw, schema, err := l.loadSchemaIfPresent(dir, "input_schema.json", name+".input"); err != nil {
		return nil, err
	} else {
		cfg.InputSchema = schema
		cfg.InputSchemaRaw = raw
	}

	return cfg, nil
}

func (l *Loader) loadPrompts(dir string) (Prompts, error) {
	read := func(name string) (string, error) {
		path := filepath.Join(dir, "prompts", name)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	system, err := read("system.tmpl")
	if err != nil {
		return Prompts{}, fmt.Errorf("system prompt: %w", err)
	}
	user, err := read("user.tmpl")
	if err != nil {
		return Prompts{}, fmt.Errorf("user prompt: %w", err)
	}
	// Description is used only for "allowed_nodes" listings; missing is
	// tolerated (not every control node needs to advertise itself).
	description, _ := read("description.tmpl")

	return Prompts{System: system, User: user, Description: description}, nil
}

// loadSchemaIfPresent reads and compiles a JSON schema file, returning
// both the raw decoded map (as sent to an LLM provider's structured
// output parameter) and the compiled schema (used to validate a
// returned result). Returns (nil, nil, nil) if the file is absent.
func (l *Loader) loadSchemaIfPresent(dir, filename, schemaName string) (map[string]any, *jsonschema.Schema, error) {
	path := filepath.Join(dir, filename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", filename, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	CloseSchema(raw, nil)
	compiled, err := CompileSchema(schemaName, raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, compiled, nil
}

// toolFileConfig is the on-disk shape of a local tool's tool.yaml.
type toolFileConfig struct {
	Backend     string `yaml:"backend"` // "local" (default) or unset
	ClassRef    string `yaml:"class"`
}

func (l *Loader) loadTools() error {
	entries, err := os.ReadDir(l.ToolsDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.ToolsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ".ignore")); err == nil {
			continue
		}

		cfg, err := l.loadOneToolDir(entry.Name(), dir)
		if err != nil {
			return fmt.Errorf("tool %q: %w", entry.Name(), err)
		}
		if err := l.Tools.Register(cfg.Name, *cfg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadOneToolDir(name, dir string) (*ToolConfig, error) {
	rawCfg, err := os.ReadFile(filepath.Join(dir, "tool.yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading tool.yaml: %w", err)
	}
	var fileCfg toolFileConfig
	if err := yaml.Unmarshal(rawCfg, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing tool.yaml: %w", err)
	}

	descTmpl, _ := os.ReadFile(filepath.Join(dir, name+"_description.tmpl"))
	argsTmpl, _ := os.ReadFile(filepath.Join(dir, name+"_args.tmpl"))

	cfg := &ToolConfig{
		Name:            name,
		Backend:         ToolBackendLocal,
		ClassRef:        fileCfg.ClassRef,
		DescriptionTmpl: string(descTmpl),
		ArgsPromptTmpl:  string(argsTmpl),
	}

	if rawOuter, outer, err := l.loadSchemaIfPresent(dir, "outer_args.schema.json", name+".outer"); err != nil {
		return nil, err
	} else {
		cfg.OuterArgsSchema = outer
		cfg.OuterArgsSchemaRaw = rawOuter
	}
	if _, inner, err := l.loadSchemaIfPresent(dir, "inner_args.schema.json", name+".inner"); err != nil {
		return nil, err
	} else {
		cfg.InnerArgsSchema = inner
	}

	return cfg, nil
}

// mcpServerFileConfig is the on-disk shape of one mcp/servers/**/*.yaml
// entry.
type mcpServerFileConfig struct {
	ServerID    string `yaml:"server_id"`
	DisplayName string `yaml:"display_name"`
	Enabled     bool   `yaml:"enabled"`

	LaunchOptions []struct {
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Env     map[string]string `yaml:"env"`
		Cwd     string            `yaml:"cwd"`
	} `yaml:"launch_options"`

	Policy struct {
		CallTimeoutSeconds float64 `yaml:"call_timeout_seconds"`
	} `yaml:"policy"`

	ToolAllowlist []string `yaml:"tool_allowlist"`
	ToolDenylist  []string `yaml:"tool_denylist"`
}

func (l *Loader) loadMCPServers() error {
	return fs.WalkDir(os.DirFS(l.MCPDir), "servers", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}

		full := filepath.Join(l.MCPDir, path)
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			logger.Get().Warn("registry: skipping unreadable mcp server entry", "path", full, "error", readErr)
			return nil
		}

		var fileCfg mcpServerFileConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			logger.Get().Warn("registry: skipping malformed mcp server entry", "path", full, "error", err)
			return nil
		}
		if fileCfg.ServerID == "" {
			logger.Get().Warn("registry: skipping mcp server entry with no server_id", "path", full)
			return nil
		}

		entry := MCPServerEntry{
			ServerID:      fileCfg.ServerID,
			DisplayName:   fileCfg.DisplayName,
			Enabled:       fileCfg.Enabled,
			Policy:        MCPPolicy{CallTimeoutSeconds: fileCfg.Policy.CallTimeoutSeconds},
			ToolAllowlist: fileCfg.ToolAllowlist,
			ToolDenylist:  fileCfg.ToolDenylist,
		}
		if entry.Policy.CallTimeoutSeconds <= 0 {
			entry.Policy.CallTimeoutSeconds = 20.0
		}
		for _, lo := range fileCfg.LaunchOptions {
			entry.LaunchOptions = append(entry.LaunchOptions, MCPLaunchOption{
				Command: lo.Command,
				Args:    lo.Args,
				Env:     lo.Env,
				Cwd:     lo.Cwd,
			})
		}

		cached, err := l.loadToolCache(entry.ServerID)
		if err != nil {
			logger.Get().Warn("registry: no cached tool list for mcp server", "server_id", entry.ServerID, "error", err)
		}
		entry.CachedTools = cached

		if err := l.MCPServers.Register(entry.ServerID, entry); err != nil {
			logger.Get().Warn("registry: duplicate mcp server entry", "server_id", entry.ServerID)
		}
		return nil
	})
}

func (l *Loader) loadToolCache(serverID string) ([]MCPToolDescriptor, error) {
	sanitized := strings.NewReplacer("/", "_", ":", "_").Replace(serverID)
	path := filepath.Join(l.MCPDir, "tool_cache", sanitized+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make([]MCPToolDescriptor, 0, len(raw.Tools))
	for _, t := range raw.Tools {
		out = append(out, MCPToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// expandAllowAll resolves "all" allowed_nodes/allowed_tools sentinels
// into the concrete set of names known at the end of loading, now that
// every agent/tool has been registered.
func (l *Loader) expandAllowAll() {
	allAgentNames := l.Agents.Names()
	allToolNames := l.Tools.Names()

	for _, name := range allAgentNames {
		cfg, _ := l.Agents.Get(name)
		changed := false
		if isAllSentinel(cfg.AllowedNodes) {
			cfg.AllowedNodes = append([]string(nil), allAgentNames...)
			changed = true
		}
		if isAllSentinel(cfg.AllowedTools) {
			cfg.AllowedTools = append([]string(nil), allToolNames...)
			changed = true
		}
		if changed {
			_ = l.Agents.Remove(name)
			_ = l.Agents.Register(name, cfg)
		}
	}
}

// allSentinel marks a list that requested "all" and is still pending
// expansion by expandAllowAll, distinct from a genuinely empty list.
const allSentinel = "\x00all\x00"

func resolveList(l yamlStringList, _ []string) []string {
	if l.All {
		return []string{allSentinel}
	}
	return l.Items
}

func isAllSentinel(list []string) bool {
	return len(list) == 1 && list[0] == allSentinel
}

func canonicalName(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		rel = filepath.Base(dir)
	}
	return strings.ReplaceAll(rel, string(filepath.Separator), "::")
}
