// Command conductor is the process entrypoint: it loads configuration,
// discovers agents/tools/MCP servers through pkg/registry, wires live
// instances through pkg/runtime, and drives one pkg/manager control
// loop to completion. Wiring shape follows kadirpekel/hector's cmd
// entrypoints (config.Load -> registry discovery -> runner construction
// -> Run), adapted from hector's single-agent runner to one manager per
// process driving a blackboard-scoped agent/control-node graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/conductor/pkg/agentrt"
	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/config"
	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/eventhub"
	"github.com/agentmesh/conductor/pkg/fatal"
	"github.com/agentmesh/conductor/pkg/llm"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/manager"
	"github.com/agentmesh/conductor/pkg/mcpsession"
	"github.com/agentmesh/conductor/pkg/observability"
	"github.com/agentmesh/conductor/pkg/pipeline"
	"github.com/agentmesh/conductor/pkg/registry"
	conductorruntime "github.com/agentmesh/conductor/pkg/runtime"
)

// statefulMCPServerIDs names the server_id values tool_runner.py
// hardcodes as session-continuity servers. Kept as a package default so
// a host doesn't have to repeat it in every config.yaml; a future
// config field can extend this set without changing the wiring below.
var statefulMCPServerIDs = map[string]bool{
	"npm/playwright-mcp": true,
}

func main() {
	configPath := flag.String("config", "", "path to conductor.yaml")
	task := flag.String("task", "", "initial task content for the manager's first message")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor: loading config:", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogFormat)

	loader := registry.NewLoader(cfg.AgentsDir, cfg.ToolsDir, cfg.MCPDir)
	if err := loader.Load(); err != nil {
		fatal.Exit(1, "conductor: loading registry", "error", err)
	}

	bb := blackboard.New()
	hub := eventhub.NewInMemoryHub()

	if cfg.PipelineFile != "" {
		rules, err := pipeline.LoadRules(cfg.PipelineFile)
		if err != nil {
			fatal.Exit(1, "conductor: loading pipeline rules", "error", err)
		}
		if len(rules) > 0 {
			bb.UpdateStateValue(control.KeyToolPipeline, rules)
		}
	}

	mcpMgr := mcpsession.NewManager(mcpsession.Config{
		UploadsDir:         cfg.UploadsDir,
		SanitizeMaxChars:   cfg.SanitizeMaxChars,
		DefaultCallTimeout: cfg.DefaultCallTimeout(),
		StatefulServerIDs:  statefulMCPServerIDs,
	})
	defer mcpMgr.Close()

	flowConfig := loadFlowConfig(cfg.AgentsDir)
	llmForAgent := conductorruntime.DefaultLLMForAgent(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.Engine, 4096)

	reg, err := conductorruntime.Build(conductorruntime.Options{
		Loader:       loader,
		Blackboard:   bb,
		Events:       hub,
		ControlNodes: controlNodeFactories(cfg, mcpMgr, hub, flowConfig, llmForAgent),
		LLMForAgent:  llmForAgent,
	})
	if err != nil {
		fatal.Exit(1, "conductor: wiring runtime", "error", err)
	}

	metrics := observability.New()
	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsAddr, metrics)
	}

	mgr := manager.New(manager.Config{
		ID:         "conductor",
		Blackboard: bb,
		Agents:     reg,
		MaxLoops:   cfg.MaxManagerLoops,
		Metrics:    metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial := &blackboard.Message{DataType: "task", Sender: "user", Content: *task}
	if err := mgr.Run(ctx, initial); err != nil {
		fatal.Exit(1, "conductor: manager run failed", "error", err)
	}
}

// controlNodeFactories builds the deterministic control-node family
// every manager needs (spec.md §4.1): the tool dispatcher, the result
// router, the exit family, the delegator, and the argument-generation
// node every agent turn routes to before a tool/sub-agent call
// actually runs. The strict delegator variant is wired here; a host
// wanting an LLM fallback on unmapped routes swaps in
// agentrt.LLMDelegator at this call site (both variants live in
// pkg/agentrt — see DESIGN.md's delegator decision).
func controlNodeFactories(cfg *config.Config, mcpMgr *mcpsession.Manager, hub eventhub.Hub, flow agentrt.FlowConfig, llmForAgent func(registry.AgentConfig) (llm.Client, error)) map[string]conductorruntime.ControlNodeFactory {
	return map[string]conductorruntime.ControlNodeFactory{
		"tool_caller": func(_ string, base control.Base) control.Node {
			return &control.ToolCaller{Base: base, MCP: mcpMgr, Events: hub, ArtifactDir: cfg.ArtifactsDir}
		},
		"shared::tool_arguments": func(name string, base control.Base) control.Node {
			agentCfg, ok := base.Agents.GetAgentConfig(name)
			if !ok {
				agentCfg = registry.AgentConfig{Name: name}
			}
			client, err := llmForAgent(agentCfg)
			if err != nil {
				fatal.Exit(1, "conductor: building llm client for shared::tool_arguments", "error", err)
			}
			agentsReg, _ := base.Agents.(agentrt.AgentRegistry)
			toolsReg, _ := base.Tools.(agentrt.ToolRegistry)
			agent := agentrt.NewAgent(name, agentCfg, base.Blackboard, client, agentsReg, toolsReg, hub)
			return agentrt.NewToolArguments(agent, cfg.UploadsDir)
		},
		"tool_result_handler": func(_ string, base control.Base) control.Node {
			return &control.ToolResultHandler{Base: base, Events: hub, ArtifactDir: cfg.ArtifactsDir}
		},
		"exit_node": func(_ string, base control.Base) control.Node {
			return &control.ExitNode{Base: base}
		},
		"flow_exit_node": func(_ string, base control.Base) control.Node {
			return &control.FlowExitNode{Base: base}
		},
		"graceful_exit_control_node": func(_ string, base control.Base) control.Node {
			return &control.GracefulExitControlNode{Base: base}
		},
		"manager_exit_node": func(_ string, base control.Base) control.Node {
			return &control.ManagerExitNode{Base: base}
		},
		"delegator": func(name string, base control.Base) control.Node {
			return &agentrt.StrictDelegator{Name: name, Blackboard: base.Blackboard, FlowConfig: flow}
		},
	}
}

// loadFlowConfig reads <agentsDir>/flow.yaml, a flat last_agent ->
// next_agent map the delegator consults. Absence is not an error: a
// manager whose every agent sets next_agent explicitly needs no
// flow.yaml at all.
func loadFlowConfig(agentsDir string) agentrt.FlowConfig {
	empty := agentrt.FlowConfig{StateMap: map[string]string{}}
	if agentsDir == "" {
		return empty
	}

	path := filepath.Join(agentsDir, "flow.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return empty
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		logger.Get().Warn("conductor: ignoring malformed flow.yaml", "path", path, "error", err)
		return empty
	}
	return agentrt.FlowConfig{StateMap: raw}
}

func serveMetrics(addr string, metrics *observability.Metrics) {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
	logger.Get().Info("conductor: serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Get().Error("conductor: metrics server stopped", "error", err)
	}
}
