package types

import (
	"encoding/json"
	"fmt"
)

// Response is the outcome of one completed turn.
type Response struct {
	Content    string            `json:"content"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	RawEvents  []json.RawMessage `json:"raw_events,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`

	// SessionID is only set on success; a failed turn never rebinds the
	// caller's session.
	SessionID string `json:"session_id,omitempty"`

	CostUSD float64     `json:"cost_usd,omitempty"`
	Usage   *TokenUsage `json:"token_usage,omitempty"`

	// GeneratedImages are paths to images the agent produced, saved under
	// the upload directory.
	GeneratedImages []string `json:"generated_images,omitempty"`
}

// Failure builds an unsuccessful Response with the given error text.
func Failure(format string, args ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// TokenUsage mirrors the usage accounting some agents report per turn.
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}
