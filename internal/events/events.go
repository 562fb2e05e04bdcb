// Package events defines the typed event taxonomy flowing from the bridges
// through the engine to the WebSocket gateway, plus the NATS subjects events
// are mirrored to.
package events

import (
	"time"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Type discriminates the event kinds on the bus.
type Type string

const (
	TypeText              Type = "text"
	TypeThinking          Type = "thinking"
	TypeTool              Type = "tool"
	TypeState             Type = "state"
	TypeCost              Type = "cost"
	TypeError             Type = "error"
	TypeDiagnostic        Type = "diagnostic"
	TypeActivity          Type = "activity"
	TypePermissionRequest Type = "permission_request"
)

// Meta carries the fields common to every event. The bus stamps Timestamp on
// emit when unset; the emitting bridge fills Provider.
type Meta struct {
	Timestamp time.Time          `json:"timestamp"`
	Provider  providers.Provider `json:"provider,omitempty"`
}

// EventMeta exposes the embedded metadata for in-place stamping.
func (m *Meta) EventMeta() *Meta { return m }

// Event is implemented by every value in the taxonomy.
type Event interface {
	EventType() Type
	EventMeta() *Meta
}

// Text is a streamed chunk of assistant output.
type Text struct {
	Meta
	Text       string `json:"text"`
	IsComplete bool   `json:"is_complete"`
}

func (*Text) EventType() Type { return TypeText }

// ThinkingPhase labels what a reasoning chunk appears to be doing.
type ThinkingPhase string

const (
	PhaseGeneral      ThinkingPhase = "general"
	PhaseAnalyzing    ThinkingPhase = "analyzing"
	PhasePlanning     ThinkingPhase = "planning"
	PhaseCoding       ThinkingPhase = "coding"
	PhaseReviewing    ThinkingPhase = "reviewing"
	PhaseToolPlanning ThinkingPhase = "tool_planning"
)

// Thinking is a streamed reasoning chunk. Chunks sharing a BlockID belong to
// one reasoning block; Subject and Phase are classified once per block.
type Thinking struct {
	Meta
	Thought    string        `json:"thought"`
	Phase      ThinkingPhase `json:"phase,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	IsStart    bool          `json:"is_start,omitempty"`
	IsComplete bool          `json:"is_complete,omitempty"`
	BlockID    string        `json:"block_id,omitempty"`
	TokenCount int           `json:"token_count,omitempty"`
}

func (*Thinking) EventType() Type { return TypeThinking }

// ToolStatus is the lifecycle of one tool invocation.
type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// Tool reports a tool-use start or its result.
type Tool struct {
	Meta
	ToolName   string         `json:"tool_name"`
	ToolID     string         `json:"tool_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     ToolStatus     `json:"status"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (*Tool) EventType() Type { return TypeTool }

// State announces a bridge state transition.
type State struct {
	Meta
	OldState types.BridgeState `json:"old_state"`
	NewState types.BridgeState `json:"new_state"`
	Detail   string            `json:"detail,omitempty"`
}

func (*State) EventType() Type { return TypeState }

// Cost reports usage after a turn completes, when the agent exposes it.
type Cost struct {
	Meta
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
}

func (*Cost) EventType() Type { return TypeCost }

// Error reports a bridge or engine failure.
type Error struct {
	Meta
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

func (*Error) EventType() Type { return TypeError }

// DiagnosticLevel classifies stderr lines and internal warnings.
type DiagnosticLevel string

const (
	DiagDebug   DiagnosticLevel = "debug"
	DiagInfo    DiagnosticLevel = "info"
	DiagWarning DiagnosticLevel = "warning"
	DiagError   DiagnosticLevel = "error"
)

// Diagnostic carries a stderr line or an internal warning.
type Diagnostic struct {
	Meta
	Message string          `json:"message"`
	Level   DiagnosticLevel `json:"level"`
	Source  string          `json:"source,omitempty"`
}

func (*Diagnostic) EventType() Type { return TypeDiagnostic }

// ActivityStatus is the lifecycle of a tracked activity.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityCancelled ActivityStatus = "cancelled"
)

// Activity tracks a long-running unit of agent work (tool call, subagent).
type Activity struct {
	Meta
	ActivityID       string         `json:"activity_id"`
	ParentActivityID string         `json:"parent_activity_id,omitempty"`
	ActivityType     string         `json:"activity_type"`
	Name             string         `json:"name"`
	Status           ActivityStatus `json:"status"`
	Progress         float64        `json:"progress,omitempty"`
	Detail           string         `json:"detail,omitempty"`
	ConcurrentGroup  string         `json:"concurrent_group,omitempty"`
	IsCancellable    bool           `json:"is_cancellable,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

func (*Activity) EventType() Type { return TypeActivity }

// PermissionOption is one choice offered by an agent permission request.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// PermissionRequest surfaces an agent's ask-before-acting callback to UIs.
type PermissionRequest struct {
	Meta
	RequestID string             `json:"request_id"`
	ToolName  string             `json:"tool_name,omitempty"`
	ToolInput map[string]any     `json:"tool_input,omitempty"`
	Options   []PermissionOption `json:"options,omitempty"`
}

func (*PermissionRequest) EventType() Type { return TypePermissionRequest }

// NATS subjects for the mirror: avatar.events.<type>.<provider>.
const subjectPrefix = "avatar.events"

// BuildEventSubject returns the NATS subject an event is mirrored to.
// Engine-level events with no originating provider use the "engine" token.
func BuildEventSubject(t Type, p providers.Provider) string {
	token := string(p)
	if token == "" {
		token = "engine"
	}
	return subjectPrefix + "." + string(t) + "." + token
}

// BuildEventTypeWildcardSubject subscribes to one event type across providers.
func BuildEventTypeWildcardSubject(t Type) string {
	return subjectPrefix + "." + string(t) + ".*"
}

// BuildEventsWildcardSubject subscribes to every mirrored event.
func BuildEventsWildcardSubject() string {
	return subjectPrefix + ".>"
}
