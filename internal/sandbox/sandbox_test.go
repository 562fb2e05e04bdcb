package sandbox

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesPrivateDirectory(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer func() { _ = s.Cleanup() }()

	info, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestWriteSettings(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer func() { _ = s.Cleanup() }()

	path, err := s.WriteSettings(map[string]any{"permissions": map[string]any{"defaultMode": "acceptEdits"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, s.Dir()), "settings must live inside the sandbox")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	perms := got["permissions"].(map[string]any)
	assert.Equal(t, "acceptEdits", perms["defaultMode"])
}

func TestWriteMCPConfigShape(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer func() { _ = s.Cleanup() }()

	path, err := s.WriteMCPConfig(map[string]MCPServer{
		"search": {Command: "mcp-search", Args: []string{"--port", "0"}, Env: map[string]string{"TOKEN": "x"}},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got struct {
		MCPServers map[string]MCPServer `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Contains(t, got.MCPServers, "search")
	assert.Equal(t, "mcp-search", got.MCPServers["search"].Command)
	assert.Equal(t, []string{"--port", "0"}, got.MCPServers["search"].Args)
}

func TestWriteSystemPromptAndSchema(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer func() { _ = s.Cleanup() }()

	promptPath, err := s.WriteSystemPrompt("You are a careful reviewer.")
	require.NoError(t, err)
	raw, err := os.ReadFile(promptPath)
	require.NoError(t, err)
	assert.Equal(t, "You are a careful reviewer.", string(raw))

	schemaPath, err := s.WriteJSONSchema(json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	raw, err = os.ReadFile(schemaPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object"}`, string(raw))

	_, err = s.WriteJSONSchema(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestCleanupIsIdempotent(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	_, err = s.WriteSystemPrompt("x")
	require.NoError(t, err)

	require.NoError(t, s.Cleanup())
	_, statErr := os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(statErr), "sandbox dir must be gone")

	require.NoError(t, s.Cleanup(), "second cleanup must not fail")

	_, err = s.WriteSystemPrompt("y")
	assert.Error(t, err, "writes after cleanup must fail")
}
