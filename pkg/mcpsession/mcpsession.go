// Package mcpsession implements the MCP stdio transport: launching a
// server subprocess, running its tools/call round trip through
// mark3labs/mcp-go, and converting a response into a registry.ToolResult
// the rest of the runtime understands. It is grounded on two sources:
// hector's pkg/tool/mcptoolset (the mcp-go client wiring: NewStdioMCPClient,
// Start, Initialize, CallTool, and the TextContent/ImageContent type
// switch) and original_source's app/assistant/lib/mcp/tool_runner.py
// (the behavior mcp-go doesn't give for free — per-call vs. stateful
// session reuse, restart-on-known-failure, launch-option probing,
// image persistence, and response sanitization).
package mcpsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmesh/conductor/pkg/control"
	"github.com/agentmesh/conductor/pkg/logger"
	"github.com/agentmesh/conductor/pkg/registry"
)

// Config tunes a Manager's defaults.
type Config struct {
	// UploadsDir is where decoded image content items are written,
	// mirroring tool_runner.py's uploads/temp/ layout.
	UploadsDir string

	// SanitizeMaxChars bounds any single text content item kept in a
	// ToolResult, per tool_runner.py's sanitize_mcp_call_response_for_history.
	SanitizeMaxChars int

	// DefaultCallTimeout is used when CallTool is passed timeout <= 0.
	DefaultCallTimeout time.Duration

	// StatefulServerIDs names the server_id values that require session
	// continuity across calls (tool_runner.py's _is_stateful_server,
	// generalized from a single hardcoded "npm/playwright-mcp" to a
	// configurable set since a manager may wire more than one such
	// server).
	StatefulServerIDs map[string]bool

	// ClientInfo is advertised in the MCP initialize handshake.
	ClientInfo mcp.Implementation
}

// Manager is the session supervisor: it owns zero or more long-lived
// stdio sessions (one per stateful server_id) and spawns a fresh
// subprocess per call for every other server, closing it when the call
// returns.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*statefulSession
}

type statefulSession struct {
	mu        sync.Mutex
	serverID  string
	client    *client.Client
	startedAt time.Time
}

// NewManager constructs a Manager ready to dispatch calls.
func NewManager(cfg Config) *Manager {
	if cfg.SanitizeMaxChars <= 0 {
		cfg.SanitizeMaxChars = 20000
	}
	if cfg.DefaultCallTimeout <= 0 {
		cfg.DefaultCallTimeout = 20 * time.Second
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = mcp.Implementation{Name: "conductor", Version: "0.1.0"}
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*statefulSession)}
}

var _ control.MCPCaller = (*Manager)(nil)

// CallTool dispatches one tools/call, routing to a cached stateful
// session or a fresh per-call subprocess depending on server_id.
func (m *Manager) CallTool(entry registry.MCPServerEntry, toolName string, arguments map[string]any, timeout time.Duration) (registry.ToolResult, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultCallTimeout
	}
	if !entry.Enabled {
		return registry.ToolResult{}, fmt.Errorf("mcpsession: server %q is disabled", entry.ServerID)
	}

	if m.cfg.StatefulServerIDs[entry.ServerID] {
		return m.callStateful(entry, toolName, arguments, timeout)
	}
	return m.callPerCall(entry, toolName, arguments, timeout)
}

// Close terminates every cached stateful session. Call during process
// shutdown to avoid orphaned subprocesses.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		sess.client.Close()
		delete(m.sessions, id)
	}
}

func (m *Manager) callPerCall(entry registry.MCPServerEntry, toolName string, arguments map[string]any, timeout time.Duration) (registry.ToolResult, error) {
	opt, err := selectLaunchOption(entry)
	if err != nil {
		return registry.ToolResult{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := m.startClient(ctx, opt)
	if err != nil {
		return registry.ToolResult{}, fmt.Errorf("mcpsession: starting %q: %w", entry.ServerID, err)
	}
	defer c.Close()

	return m.invoke(ctx, c, toolName, arguments)
}

func (m *Manager) callStateful(entry registry.MCPServerEntry, toolName string, arguments map[string]any, timeout time.Duration) (registry.ToolResult, error) {
	sess, err := m.getOrCreateSession(entry)
	if err != nil {
		return registry.ToolResult{}, err
	}

	sess.mu.Lock()
	result, callErr := m.invokeWithTimeout(sess.client, toolName, arguments, timeout)
	sess.mu.Unlock()

	// Playwright (and similarly shaped servers) can wedge with a locked
	// or corrupt browser profile directory; restart the session and
	// retry exactly once rather than failing the whole call.
	if callErr == nil && result.ResultType == registry.ToolResultTypeError && isRecoverableLaunchFailure(result.Content) {
		logger.Get().Warn("mcpsession: stateful session in bad state, restarting once",
			"server_id", entry.ServerID, "tool", toolName)
		m.closeSession(entry.ServerID)

		sess, err = m.getOrCreateSession(entry)
		if err != nil {
			return registry.ToolResult{}, err
		}
		sess.mu.Lock()
		result, callErr = m.invokeWithTimeout(sess.client, toolName, arguments, timeout)
		sess.mu.Unlock()
	}

	// A caller that explicitly closes its browser/session should also
	// close the backing process, so it doesn't linger.
	if toolName == "browser_close" {
		m.closeSession(entry.ServerID)
	}

	return result, callErr
}

func (m *Manager) invokeWithTimeout(c *client.Client, toolName string, arguments map[string]any, timeout time.Duration) (registry.ToolResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.invoke(ctx, c, toolName, arguments)
}

func (m *Manager) invoke(ctx context.Context, c *client.Client, toolName string, arguments map[string]any) (registry.ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return registry.ToolResult{}, fmt.Errorf("mcpsession: tools/call %q: %w", toolName, err)
	}
	return contentToResult(resp, m.cfg.UploadsDir, m.cfg.SanitizeMaxChars), nil
}

func (m *Manager) getOrCreateSession(entry registry.MCPServerEntry) (*statefulSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[entry.ServerID]; ok {
		return sess, nil
	}

	opt, err := selectLaunchOption(entry)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := m.startClient(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("mcpsession: starting stateful session %q: %w", entry.ServerID, err)
	}

	sess := &statefulSession{serverID: entry.ServerID, client: c, startedAt: time.Now()}
	m.sessions[entry.ServerID] = sess
	return sess, nil
}

func (m *Manager) closeSession(serverID string) {
	m.mu.Lock()
	sess, ok := m.sessions[serverID]
	delete(m.sessions, serverID)
	m.mu.Unlock()
	if ok {
		sess.client.Close()
	}
}

func (m *Manager) startClient(ctx context.Context, opt registry.MCPLaunchOption) (*client.Client, error) {
	c, err := client.NewStdioMCPClient(opt.Command, buildEnv(opt), opt.Args...)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = m.cfg.ClientInfo
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return c, nil
}

// buildEnv strips PYTHONPATH (an IDE- or repo-injected value can shadow
// a server's own dependencies) and applies the launch option's own
// overrides on top of the inherited environment.
func buildEnv(opt registry.MCPLaunchOption) []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(opt.Env))
	for _, kv := range base {
		if strings.HasPrefix(kv, "PYTHONPATH=") {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range opt.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// isRecoverableLaunchFailure matches the one known Playwright failure
// signature worth an automatic restart-and-retry.
func isRecoverableLaunchFailure(text string) bool {
	return strings.Contains(text, "launchPersistentContext") &&
		strings.Contains(text, "Failed to launch the browser process")
}

// selectLaunchOption tries each of entry's launch options in order,
// skipping any whose command can't be resolved, whose docker daemon
// isn't reachable, or whose python module isn't importable, mirroring
// tool_runner.py's _select_stdio_launch_option.
func selectLaunchOption(entry registry.MCPServerEntry) (registry.MCPLaunchOption, error) {
	if len(entry.LaunchOptions) == 0 {
		return registry.MCPLaunchOption{}, fmt.Errorf("mcpsession: server %q has no launch_options", entry.ServerID)
	}

	var errs []string
	for _, opt := range entry.LaunchOptions {
		cmd := strings.TrimSpace(opt.Command)
		if cmd == "" {
			errs = append(errs, "launch option missing command")
			continue
		}

		resolved, ok, why := resolveCommand(cmd)
		if !ok {
			errs = append(errs, fmt.Sprintf("command %q unavailable (%s)", cmd, why))
			continue
		}

		if cmd == "docker" || filepath.Base(resolved) == "docker" {
			if ready, why := dockerDaemonReady(resolved); !ready {
				errs = append(errs, fmt.Sprintf("docker daemon not ready (%s)", why))
				continue
			}
		}

		if module, ok := pythonModuleArg(resolved, opt.Args); ok {
			if importable, why := canImportModule(resolved, module); !importable {
				errs = append(errs, fmt.Sprintf("python module %q not available (%s)", module, why))
				continue
			}
		}

		chosen := opt
		chosen.Command = resolved
		return chosen, nil
	}

	detail := ""
	if len(errs) > 0 {
		detail = "\n- " + strings.Join(errs, "\n- ")
	}
	return registry.MCPLaunchOption{}, fmt.Errorf("mcpsession: no usable launch option for %q%s", entry.ServerID, detail)
}

func resolveCommand(cmd string) (resolved string, ok bool, why string) {
	if strings.ContainsAny(cmd, "/\\") {
		if _, err := os.Stat(cmd); err == nil {
			return cmd, true, "path exists"
		}
		return cmd, false, "path not found"
	}
	if path, err := exec.LookPath(cmd); err == nil {
		return path, true, "found on PATH"
	}
	return cmd, false, "not found on PATH"
}

// pythonModuleArg reports whether args is a "-m <module>" launch, the
// one case worth an import probe before committing to this option.
func pythonModuleArg(resolvedCmd string, args []string) (module string, ok bool) {
	if len(args) < 2 || args[0] != "-m" {
		return "", false
	}
	base := strings.ToLower(filepath.Base(resolvedCmd))
	if !strings.HasPrefix(base, "python") {
		return "", false
	}
	return args[1], true
}

func canImportModule(pythonExe, module string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, pythonExe, "-c", "import "+module).CombinedOutput()
	if err == nil {
		return true, "import ok"
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		text = err.Error()
	}
	return false, text
}

func dockerDaemonReady(dockerCmd string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, dockerCmd, "info").CombinedOutput()
	if err == nil {
		return true, "docker daemon reachable"
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		text = err.Error()
	}
	return false, text
}

// contentToResult converts one tools/call response into a
// registry.ToolResult: text items are joined and truncated, image
// items are decoded and persisted to uploadsDir with a marker left in
// the text so a later turn can reference the saved path, matching
// tool_runner.py's format_mcp_tool_result_content plus
// sanitize_mcp_call_response_for_history's "never keep base64 in
// history" rule (here there is no intermediate raw-response stage to
// sanitize — the persisted-path substitution happens directly).
func contentToResult(resp *mcp.CallToolResult, uploadsDir string, maxChars int) registry.ToolResult {
	var parts []string
	var attachments []map[string]any

	for _, item := range resp.Content {
		switch c := item.(type) {
		case mcp.TextContent:
			if text := strings.TrimSpace(c.Text); text != "" {
				parts = append(parts, truncateText(text, maxChars))
			}
		case mcp.ImageContent:
			att, err := persistImage(uploadsDir, c.Data, c.MIMEType)
			if err != nil {
				logger.Get().Warn("mcpsession: failed to persist image content", "error", err)
				parts = append(parts, "[image]")
				continue
			}
			attachments = append(attachments, att)
			parts = append(parts, fmt.Sprintf("[image attached: %s]", att["original_filename"]))
			parts = append(parts, fmt.Sprintf("[mcp_image_path: %s]", att["path"]))
		default:
			parts = append(parts, fmt.Sprintf("[%T]", item))
		}
	}

	text := strings.TrimSpace(strings.Join(parts, "\n\n"))

	resultType := registry.ToolResultTypeTool
	if resp.IsError {
		resultType = registry.ToolResultTypeError
	}

	var data map[string]any
	if len(attachments) > 0 {
		data = map[string]any{"attachments": attachments}
	}

	return registry.ToolResult{ResultType: resultType, Content: text, Data: data}
}

func persistImage(uploadsDir, dataB64, mimeType string) (map[string]any, error) {
	if uploadsDir == "" {
		uploadsDir = os.TempDir()
	}
	raw, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 image: %w", err)
	}
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}

	filename := fmt.Sprintf("mcp_%s%s", uuid.NewString(), extFromMIME(mimeType))
	path := filepath.Join(uploadsDir, filename)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("writing image file: %w", err)
	}

	return map[string]any{
		"type":              "image",
		"path":              path,
		"original_filename": filename,
		"content_type":      mimeType,
		"size_bytes":        len(raw),
		"source":            "mcp",
	}, nil
}

func extFromMIME(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

func truncateText(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "…[truncated]"
}
