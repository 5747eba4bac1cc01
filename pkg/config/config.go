// Package config loads the process-wide configuration a manager is
// built from: where the registry reads agents/tools/MCP servers from,
// where tool-result artifacts and MCP uploads are written, and the
// runtime knobs (call timeouts, quota keywords, loop guards) the core
// packages need but have no business discovering for themselves.
//
// Loading follows the same shape as kadirpekel/hector's koanf-backed
// config loader: a YAML file provides the base, environment variables
// override it, and ${VAR} / ${VAR:-default} references inside string
// values are expanded against the process environment.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration a manager's dependencies are
// built from.
type Config struct {
	// Directories the registry loader walks (spec.md §6 persisted
	// state layout).
	AgentsDir string `koanf:"agents_dir"`
	ToolsDir  string `koanf:"tools_dir"`
	MCPDir    string `koanf:"mcp_dir"`

	// ArtifactsDir is where ToolResultHandler persists full ToolResult
	// payloads (tool_result_<uuid>.json).
	ArtifactsDir string `koanf:"artifacts_dir"`

	// PipelineFile optionally points at an after-tool pipeline rule
	// file (pkg/pipeline.LoadRules). Empty means no after-tool hooks
	// are configured.
	PipelineFile string `koanf:"pipeline_file"`

	// UploadsDir is where the MCP session layer writes decoded image
	// attachments.
	UploadsDir string `koanf:"uploads_dir"`

	// DefaultCallTimeoutSeconds bounds an MCP tools/call round trip
	// when a server entry's own policy doesn't set one.
	DefaultCallTimeoutSeconds float64 `koanf:"default_call_timeout_seconds"`

	// MaxManagerLoops guards a manager's control loop against runaway
	// delegation cycles (spec.md §4.5, §7 "max-loop exceeded").
	MaxManagerLoops int `koanf:"max_manager_loops"`

	// QuotaKeywords is decoded from the config but not read by any
	// package: the quota check in pkg/llm always uses its built-in
	// substring list.
	QuotaKeywords []string `koanf:"quota_keywords"`

	// SanitizeMaxChars bounds any single string field an MCP call
	// response keeps before it is stored in Blackboard history.
	SanitizeMaxChars int `koanf:"sanitize_max_chars"`

	// Watch is decoded from the config but not read by any package; no
	// directory is watched for changes.
	Watch bool `koanf:"watch"`

	LLM LLMConfig `koanf:"llm"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
}

// LLMConfig picks the default provider/engine a manager's agents use
// when an AgentConfig doesn't set its own llm_params.
type LLMConfig struct {
	Provider    string  `koanf:"provider"`
	Engine      string  `koanf:"engine"`
	Temperature float64 `koanf:"temperature"`
	APIKey      string  `koanf:"api_key"`
}

// DefaultCallTimeout returns DefaultCallTimeoutSeconds as a
// time.Duration, falling back to 20s per spec.md §5.
func (c Config) DefaultCallTimeout() time.Duration {
	if c.DefaultCallTimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.DefaultCallTimeoutSeconds * float64(time.Second))
}

// defaults seeds every field Load doesn't require a caller to set.
func defaults() map[string]any {
	return map[string]any{
		"artifacts_dir":                 "uploads/temp/tool_results",
		"uploads_dir":                   "uploads/temp",
		"default_call_timeout_seconds":  20.0,
		"max_manager_loops":             200,
		"sanitize_max_chars":            20000,
		"log_level":                     "info",
		"log_format":                    "text",
		"metrics_addr":                  ":9090",
	}
}

// Load reads path (YAML) over the built-in defaults, then overlays any
// CONDUCTOR_-prefixed environment variable, then expands ${VAR} /
// ${VAR:-default} references left in string fields. path may be empty,
// in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CONDUCTOR_", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	cfg.expandEnvRefs()
	return &cfg, nil
}
