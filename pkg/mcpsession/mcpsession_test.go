package mcpsession

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/conductor/pkg/registry"
)

func TestSelectLaunchOptionPicksFirstResolvableCommand(t *testing.T) {
	entry := registry.MCPServerEntry{
		ServerID: "test/echo",
		LaunchOptions: []registry.MCPLaunchOption{
			{Command: "definitely-not-a-real-command-xyz"},
			{Command: "echo", Args: []string{"hello"}},
		},
	}

	opt, err := selectLaunchOption(entry)
	require.NoError(t, err)
	require.Contains(t, opt.Command, "echo")
}

func TestSelectLaunchOptionFailsWithNoLaunchOptions(t *testing.T) {
	_, err := selectLaunchOption(registry.MCPServerEntry{ServerID: "test/none"})
	require.Error(t, err)
}

func TestSelectLaunchOptionFailsWhenNoCommandResolves(t *testing.T) {
	entry := registry.MCPServerEntry{
		ServerID: "test/broken",
		LaunchOptions: []registry.MCPLaunchOption{
			{Command: "definitely-not-a-real-command-xyz"},
			{Command: ""},
		},
	}
	_, err := selectLaunchOption(entry)
	require.Error(t, err)
}

func TestTruncateText(t *testing.T) {
	require.Equal(t, "abc", truncateText("abc", 10))
	require.Equal(t, "ab"+"…[truncated]", truncateText("abcdef", 2))
	require.Equal(t, "abcdef", truncateText("abcdef", 0))
}

func TestIsRecoverableLaunchFailure(t *testing.T) {
	require.True(t, isRecoverableLaunchFailure("Error: launchPersistentContext failed\nFailed to launch the browser process"))
	require.False(t, isRecoverableLaunchFailure("some other error"))
}

func TestExtFromMIME(t *testing.T) {
	require.Equal(t, ".png", extFromMIME("image/png"))
	require.Equal(t, ".jpg", extFromMIME("image/jpeg"))
	require.Equal(t, ".bin", extFromMIME("application/octet-stream"))
}

func TestPersistImageWritesFileAndMetadata(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("not really a png")
	b64 := base64.StdEncoding.EncodeToString(raw)

	att, err := persistImage(dir, b64, "image/png")
	require.NoError(t, err)
	require.Equal(t, "image", att["type"])
	require.Equal(t, "image/png", att["content_type"])
	require.Equal(t, len(raw), att["size_bytes"])

	path, _ := att["path"].(string)
	require.True(t, filepath.IsAbs(path) || filepath.Dir(path) == dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, raw, data)
}

func TestContentToResultJoinsTextAndPersistsImages(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("fake-image-bytes")
	b64 := base64.StdEncoding.EncodeToString(raw)

	resp := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "first part"},
			mcp.ImageContent{Type: "image", Data: b64, MIMEType: "image/png"},
		},
	}

	result := contentToResult(resp, dir, 20000)
	require.Equal(t, registry.ToolResultTypeTool, result.ResultType)
	require.Contains(t, result.Content, "first part")
	require.Contains(t, result.Content, "[image attached:")
	require.Contains(t, result.Content, "[mcp_image_path:")

	attachments, ok := result.Data["attachments"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
}

func TestContentToResultMarksErrorResponses(t *testing.T) {
	resp := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "boom"}},
	}
	result := contentToResult(resp, t.TempDir(), 20000)
	require.Equal(t, registry.ToolResultTypeError, result.ResultType)
	require.Equal(t, "boom", result.Content)
}
