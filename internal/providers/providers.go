// Package providers defines the supported agent backends, their launch
// profiles, and the capabilities they advertise to UIs.
package providers

import "fmt"

// Provider identifies one of the embedded agent backends.
type Provider string

const (
	// StreamJSON is the agent that speaks newline-delimited JSON frames
	// over stdin/stdout in print mode.
	StreamJSON Provider = "stream_json"

	// ACPA is the first Agent Client Protocol agent. It exposes no usable
	// list/load RPC, so session listing falls back to its on-disk chats.
	ACPA Provider = "acp_a"

	// ACPB is the second Agent Client Protocol agent. It requires an
	// authenticate step and stores sessions as dated rollout files.
	ACPB Provider = "acp_b"
)

// All returns the supported providers in display order.
func All() []Provider {
	return []Provider{StreamJSON, ACPA, ACPB}
}

func (p Provider) String() string { return string(p) }

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case StreamJSON, ACPA, ACPB:
		return true
	}
	return false
}

// Parse converts a provider name into a Provider.
func Parse(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// SystemPromptMethod describes how a system prompt reaches the agent.
type SystemPromptMethod string

const (
	SystemPromptNative      SystemPromptMethod = "native"      // CLI flag or env file
	SystemPromptInjected    SystemPromptMethod = "injected"    // prefixed onto the first user message
	SystemPromptUnsupported SystemPromptMethod = "unsupported"
)

// Capabilities advertises which engine features apply to a provider.
// These are static per provider; per-session capabilities come from the
// agent's initialize response.
type Capabilities struct {
	Thinking           bool               `json:"thinking"`
	StructuredThinking bool               `json:"structured_thinking"`
	CostTracking       bool               `json:"cost_tracking"`
	BudgetEnforcement  bool               `json:"budget_enforcement"`
	SystemPrompt       SystemPromptMethod `json:"system_prompt"`
	Streaming          bool               `json:"streaming"`
	ParallelToolCalls  bool               `json:"parallel_tool_calls"`
	Cancellable        bool               `json:"cancellable"`
	MCP                bool               `json:"mcp"`
}

// DefaultCapabilities returns the built-in capability flags for a provider.
func DefaultCapabilities(p Provider) Capabilities {
	switch p {
	case StreamJSON:
		return Capabilities{
			Thinking:           true,
			StructuredThinking: true,
			CostTracking:       true,
			BudgetEnforcement:  true,
			SystemPrompt:       SystemPromptNative,
			Streaming:          true,
			ParallelToolCalls:  true,
			Cancellable:        true,
			MCP:                true,
		}
	case ACPA:
		return Capabilities{
			Thinking:           true,
			StructuredThinking: true,
			SystemPrompt:       SystemPromptInjected,
			Streaming:          true,
			Cancellable:        true,
			MCP:                true,
		}
	case ACPB:
		return Capabilities{
			Thinking:           true,
			StructuredThinking: true,
			SystemPrompt:       SystemPromptInjected,
			Streaming:          true,
			Cancellable:        true,
			MCP:                true,
		}
	}
	return Capabilities{}
}

// defaultInlineLimit is the attachment size above which ACP prompts switch
// from inline base64 blocks to file:// resource links.
const defaultInlineLimit = 20 * 1024 * 1024

// Profile holds the launch configuration for one provider. Zero fields fall
// back to the built-in defaults, so a profiles file only needs to override
// what differs on the host.
type Profile struct {
	// Command is the executable; Args are prepended before the flags the
	// bridge adds itself.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Home is the agent's state directory holding its on-disk sessions.
	Home string `yaml:"home"`

	// AuthMethod is the ACP authenticate method id; empty skips the
	// authenticate call.
	AuthMethod string `yaml:"auth_method"`

	// InlineLimitBytes caps inline (base64) attachment transfer; larger
	// files become resource links. Ignored by the stream-JSON provider,
	// which has no link block.
	InlineLimitBytes int64 `yaml:"inline_limit_bytes"`
}

// DefaultProfile returns the built-in launch profile for a provider.
func DefaultProfile(p Provider) Profile {
	switch p {
	case StreamJSON:
		return Profile{
			Command: "claude",
			Home:    "~/.claude",
		}
	case ACPA:
		return Profile{
			Command:          "gemini",
			Args:             []string{"--experimental-acp"},
			Home:             "~/.gemini",
			InlineLimitBytes: defaultInlineLimit,
		}
	case ACPB:
		return Profile{
			Command:          "npx",
			Args:             []string{"-y", "@zed-industries/codex-acp"},
			Home:             "~/.codex",
			AuthMethod:       "chatgpt",
			InlineLimitBytes: defaultInlineLimit,
		}
	}
	return Profile{}
}

// merge overlays non-zero fields of o onto p.
func (p Profile) merge(o Profile) Profile {
	if o.Command != "" {
		p.Command = o.Command
		// Replacing the command replaces its args wholesale.
		p.Args = o.Args
	} else if len(o.Args) > 0 {
		p.Args = o.Args
	}
	if o.Home != "" {
		p.Home = o.Home
	}
	if o.AuthMethod != "" {
		p.AuthMethod = o.AuthMethod
	}
	if o.InlineLimitBytes > 0 {
		p.InlineLimitBytes = o.InlineLimitBytes
	}
	return p
}
