package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/registry"
)

type toolResultArtifact struct {
	ToolResultID string            `json:"tool_result_id"`
	CreatedAt    time.Time         `json:"created_at"`
	CallingAgent string            `json:"calling_agent"`
	ScopeID      string            `json:"scope_id"`
	ToolResult   registry.ToolResult `json:"tool_result"`
}

// persistToolResultArtifact writes the full tool result payload to
// disk as baseDir/tool_result_<id>.json and returns a small reference the
// caller can store on the blackboard in place of the full payload,
// keeping future prompts small while the complete result stays
// available for on-demand retrieval.
func persistToolResultArtifact(baseDir string, result registry.ToolResult, callingAgent, scopeID string) (*blackboard.ToolResultRef, error) {
	dir := baseDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("control: creating tool result artifact dir: %w", err)
	}

	id := uuid.NewString()
	payload := toolResultArtifact{
		ToolResultID: id,
		CreatedAt:    time.Now().UTC(),
		CallingAgent: callingAgent,
		ScopeID:      scopeID,
		ToolResult:   result,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("control: marshaling tool result artifact: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("tool_result_%s.json", id))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("control: writing tool result artifact: %w", err)
	}

	return &blackboard.ToolResultRef{ToolResultID: id, Path: path}, nil
}
