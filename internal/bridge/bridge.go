// Package bridge defines the per-conversation adapter that owns one agent
// subprocess, plus the shared base every protocol variant composes: the state
// machine, history and stats accounting, stderr monitoring, subprocess
// supervision, the budget gate, and tool-policy enforcement.
package bridge

import (
	"context"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// OutputFunc receives streamed text chunks during a turn.
type OutputFunc func(text string)

// StateChangeFunc is invoked on real bridge state transitions only.
type StateChangeFunc func(oldState, newState types.BridgeState, detail string)

// EventFunc receives typed protocol events as the turn produces them.
type EventFunc func(ev events.Event)

// StderrFunc receives cleaned stderr lines from the agent subprocess.
type StderrFunc func(line string)

// Bridge is the provider-agnostic surface the engine drives. One bridge owns
// one agent subprocess; turns are serialized by the bridge itself.
type Bridge interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send runs one turn. It returns a Response on every path, including
	// timeouts and spawn failures; it never panics the error upward.
	Send(ctx context.Context, prompt string, attachments []types.Attachment) types.Response

	// SendStream runs one turn, delivering text chunks through the OnOutput
	// callback as they arrive.
	SendStream(ctx context.Context, prompt string) types.Response

	ListSessions(ctx context.Context) ([]types.SessionInfo, error)
	ResumeSession(ctx context.Context, sessionID string) error

	IsHealthy() bool
	CheckHealth() Health

	State() types.BridgeState
	History() []types.Message
	ClearHistory()
	Stats() types.Stats
	SessionID() string
	Provider() providers.Provider
	Capabilities() providers.Capabilities
	SessionCapabilities() types.SessionCapabilities

	TotalCost() float64
	OverBudget() bool
	CheckBudget() *types.Response

	ToolPolicy() types.ToolPolicy
	SetToolPolicy(types.ToolPolicy)

	// Callback setters are latch-style: last writer wins.
	SetOnOutput(OutputFunc)
	SetOnStateChange(StateChangeFunc)
	SetOnEvent(EventFunc)
	SetOnStderr(StderrFunc)
}

// Health is the composite health report of one bridge.
type Health struct {
	Healthy      bool              `json:"healthy"`
	State        types.BridgeState `json:"state"`
	ProcessAlive bool              `json:"process_alive"`
	PID          int               `json:"pid,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Stats        types.Stats       `json:"stats"`
	TotalCostUSD float64           `json:"total_cost_usd"`
	StderrTail   []string          `json:"stderr_tail,omitempty"`
}

// Options carries everything a bridge constructor needs.
type Options struct {
	Provider providers.Provider
	Profile  providers.Profile
	Config   *config.EngineConfig
	Logger   *logger.Logger

	// UploadsDir receives agent-generated images. Empty selects a default
	// under the OS temp root.
	UploadsDir string
}
