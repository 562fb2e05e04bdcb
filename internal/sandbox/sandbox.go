// Package sandbox manages the per-bridge scratch directory holding generated
// agent configuration. The runtime never writes into the caller's working
// directory; every config file lives here and is handed to the agent by path.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MCPServer describes one tool server entry in the generated MCP config.
type MCPServer struct {
	Command string            `json:"command" yaml:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env" mapstructure:"env"`
}

const (
	settingsFile     = "settings.json"
	mcpConfigFile    = "mcp-config.json"
	systemPromptFile = "system-prompt.txt"
	schemaFile       = "output-schema.json"
)

// Sandbox is a mode-0700 temporary directory owned by one bridge instance.
// It lives from bridge start to bridge teardown.
type Sandbox struct {
	dir string

	mu      sync.Mutex
	removed bool
}

// New creates the directory under the OS temp root.
func New() (*Sandbox, error) {
	dir, err := os.MkdirTemp("", "avatar-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("restrict sandbox permissions: %w", err)
	}
	return &Sandbox{dir: dir}, nil
}

// Dir returns the sandbox root.
func (s *Sandbox) Dir() string { return s.dir }

// WriteSettings serializes the agent settings document and returns its path.
func (s *Sandbox) WriteSettings(settings any) (string, error) {
	return s.writeJSON(settingsFile, settings)
}

// WriteMCPConfig writes the tool-server config in the {"mcpServers": {...}}
// shape agents expect.
func (s *Sandbox) WriteMCPConfig(servers map[string]MCPServer) (string, error) {
	return s.writeJSON(mcpConfigFile, map[string]any{"mcpServers": servers})
}

// WriteSystemPrompt stores the system prompt as UTF-8 text.
func (s *Sandbox) WriteSystemPrompt(text string) (string, error) {
	return s.write(systemPromptFile, []byte(text))
}

// WriteJSONSchema stores a JSON schema used for structured output.
func (s *Sandbox) WriteJSONSchema(schema json.RawMessage) (string, error) {
	if !json.Valid(schema) {
		return "", fmt.Errorf("output schema is not valid JSON")
	}
	return s.write(schemaFile, schema)
}

func (s *Sandbox) writeJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.write(name, data)
}

func (s *Sandbox) write(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return "", fmt.Errorf("sandbox already cleaned up")
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// Cleanup deletes the sandbox recursively. Idempotent; safe to call from
// shutdown paths that may run more than once.
func (s *Sandbox) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil
	}
	s.removed = true
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove sandbox: %w", err)
	}
	return nil
}
