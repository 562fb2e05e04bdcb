package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Base supplies the state shared by every bridge variant: the state machine,
// conversation history, stats, stderr ring, session bookkeeping, the budget
// gate, and tool-policy enforcement. Variants embed *Base and drive it.
//
// Lock order is flat: each mutex guards O(1) data operations only and is
// never held while another is acquired or across I/O.
type Base struct {
	ProviderName providers.Provider
	Profile      providers.Profile
	Cfg          *config.EngineConfig
	Log          *logger.Logger

	// StdinMu serializes frame writes to child stdin.
	StdinMu sync.Mutex
	// TurnMu serializes turns; Send holds it for the whole turn so stdout
	// has exactly one consumer.
	TurnMu sync.Mutex

	stateMu     sync.Mutex
	state       types.BridgeState
	stateDetail string

	historyMu sync.Mutex
	history   []types.Message

	statsMu   sync.Mutex
	stats     types.Stats
	totalCost float64

	stderrMu   sync.Mutex
	stderrRing []string

	sessionMu   sync.RWMutex
	sessionID   string
	sessionCaps types.SessionCapabilities

	policyMu sync.RWMutex
	policy   types.ToolPolicy

	cbMu          sync.RWMutex
	onOutput      OutputFunc
	onStateChange StateChangeFunc
	onEvent       EventFunc
	onStderr      StderrFunc

	promptMu       sync.Mutex
	promptInjected bool
}

// NewBase initializes the shared bridge state from construction options.
func NewBase(opts Options) *Base {
	return &Base{
		ProviderName: opts.Provider,
		Profile:      opts.Profile,
		Cfg:          opts.Config,
		Log:          opts.Logger.WithProvider(string(opts.Provider)),
		state:        types.StateDisconnected,
	}
}

// Provider returns the backend this bridge drives.
func (b *Base) Provider() providers.Provider { return b.ProviderName }

// Capabilities returns the static capability flags for the provider.
func (b *Base) Capabilities() providers.Capabilities {
	return providers.DefaultCapabilities(b.ProviderName)
}

// State returns the current lifecycle state.
func (b *Base) State() types.BridgeState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// SetState transitions the state machine. The callback fires only on real
// transitions (state or detail changed) to suppress UI churn.
func (b *Base) SetState(newState types.BridgeState, detail string) {
	b.stateMu.Lock()
	oldState := b.state
	oldDetail := b.stateDetail
	if oldState == newState && oldDetail == detail {
		b.stateMu.Unlock()
		return
	}
	b.state = newState
	b.stateDetail = detail
	b.stateMu.Unlock()

	b.cbMu.RLock()
	cb := b.onStateChange
	b.cbMu.RUnlock()
	if cb != nil {
		cb(oldState, newState, detail)
	}
	b.EmitEvent(&events.State{OldState: oldState, NewState: newState, Detail: detail})
}

// SessionID returns the public session id, empty before the first turn binds one.
func (b *Base) SessionID() string {
	b.sessionMu.RLock()
	defer b.sessionMu.RUnlock()
	return b.sessionID
}

// SetSessionID records the session id reported by the agent.
func (b *Base) SetSessionID(id string) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	b.sessionID = id
}

// SessionCapabilities returns what the live agent reported it supports.
func (b *Base) SessionCapabilities() types.SessionCapabilities {
	b.sessionMu.RLock()
	defer b.sessionMu.RUnlock()
	return b.sessionCaps
}

// SetSessionCapabilities records the agent's advertised session support.
func (b *Base) SetSessionCapabilities(caps types.SessionCapabilities) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	b.sessionCaps = caps
}

// History returns a copy of the conversation history.
func (b *Base) History() []types.Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	return append([]types.Message(nil), b.history...)
}

// HistoryLen returns the current history length.
func (b *Base) HistoryLen() int {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	return len(b.history)
}

// AppendUser records the user message once a send is accepted.
func (b *Base) AppendUser(content string, attachments []types.Attachment) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, types.Message{
		Role:        types.RoleUser,
		Content:     content,
		Timestamp:   time.Now(),
		Attachments: attachments,
	})
}

// AppendAssistant records the assistant reply after a successful turn,
// keeping history at two entries per completed turn.
func (b *Base) AppendAssistant(content string, toolCalls []types.ToolCall) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, types.Message{
		Role:      types.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		ToolCalls: toolCalls,
	})
}

// AppendMessages bulk-appends stored messages recovered from a session store.
func (b *Base) AppendMessages(msgs []types.Message) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, msgs...)
}

// ClearHistory drops the conversation history.
func (b *Base) ClearHistory() {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = nil
}

// Stats returns a copy of the accumulated counters.
func (b *Base) Stats() types.Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// ObserveResponse folds one completed turn into stats and the cost total.
// Called exactly once per Send, on every return path.
func (b *Base) ObserveResponse(resp types.Response) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats.Observe(resp)
	b.totalCost += resp.CostUSD
}

// TotalCost returns the accumulated USD cost across turns.
func (b *Base) TotalCost() float64 {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.totalCost
}

// OverBudget reports whether the configured cap has been reached.
func (b *Base) OverBudget() bool {
	if b.Cfg.MaxBudgetUSD <= 0 {
		return false
	}
	return b.TotalCost() >= b.Cfg.MaxBudgetUSD
}

// CheckBudget returns a synthetic failure Response when the budget cap is
// exhausted, nil otherwise. Idempotent; the subprocess is untouched.
func (b *Base) CheckBudget() *types.Response {
	if !b.OverBudget() {
		return nil
	}
	resp := types.Failure("Budget exceeded: $%.4f / $%.2f", b.TotalCost(), b.Cfg.MaxBudgetUSD)
	return &resp
}

// ToolPolicy returns the current tool policy.
func (b *Base) ToolPolicy() types.ToolPolicy {
	b.policyMu.RLock()
	defer b.policyMu.RUnlock()
	return b.policy
}

// SetToolPolicy replaces the tool policy.
func (b *Base) SetToolPolicy(p types.ToolPolicy) {
	b.policyMu.Lock()
	defer b.policyMu.Unlock()
	b.policy = p
}

// ToolAllowed evaluates an incoming tool use against the policy. A denied
// tool yields a synthetic failed Tool event; the caller suppresses the real
// result for that id.
func (b *Base) ToolAllowed(toolName, toolID string) bool {
	if b.ToolPolicy().Allows(toolName) {
		return true
	}
	b.EmitEvent(&events.Tool{
		ToolName: toolName,
		ToolID:   toolID,
		Status:   events.ToolFailed,
		Error:    "denied by policy",
	})
	return false
}

// SetOnOutput sets the streamed-text callback. Last writer wins.
func (b *Base) SetOnOutput(fn OutputFunc) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onOutput = fn
}

// OnOutput returns the current streamed-text callback.
func (b *Base) OnOutput() OutputFunc {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()
	return b.onOutput
}

// SetOnStateChange sets the transition callback. Last writer wins.
func (b *Base) SetOnStateChange(fn StateChangeFunc) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onStateChange = fn
}

// SetOnEvent sets the typed-event callback. Last writer wins.
func (b *Base) SetOnEvent(fn EventFunc) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onEvent = fn
}

// SetOnStderr sets the stderr-line callback. Last writer wins.
func (b *Base) SetOnStderr(fn StderrFunc) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onStderr = fn
}

// EmitOutput delivers one streamed text chunk.
func (b *Base) EmitOutput(text string) {
	b.cbMu.RLock()
	cb := b.onOutput
	b.cbMu.RUnlock()
	if cb != nil {
		cb(text)
	}
}

// EmitEvent stamps the provider and delivers a typed event.
func (b *Base) EmitEvent(ev events.Event) {
	if meta := ev.EventMeta(); meta.Provider == "" {
		meta.Provider = b.ProviderName
	}
	b.cbMu.RLock()
	cb := b.onEvent
	b.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (b *Base) emitStderr(line string) {
	b.cbMu.RLock()
	cb := b.onStderr
	b.cbMu.RUnlock()
	if cb != nil {
		cb(line)
	}
}

// MarkPromptInjected flips the injected-once flag, reporting whether this
// caller is the first. Providers without a native system-prompt flag prefix
// the prompt only when this returns true.
func (b *Base) MarkPromptInjected() bool {
	b.promptMu.Lock()
	defer b.promptMu.Unlock()
	if b.promptInjected {
		return false
	}
	b.promptInjected = true
	return true
}

// ResetPromptInjected re-arms first-message injection, used when a restart
// begins a fresh agent session.
func (b *Base) ResetPromptInjected() {
	b.promptMu.Lock()
	defer b.promptMu.Unlock()
	b.promptInjected = false
}

// TurnTimeout scales the configured base timeout by attachment volume:
// 3 extra seconds per MiB, rounded up per attachment set.
func (b *Base) TurnTimeout(attachments []types.Attachment) time.Duration {
	base := b.Cfg.TimeoutDuration()
	var total int64
	for _, a := range attachments {
		total += a.Size
	}
	if total == 0 {
		return base
	}
	mib := (total + (1 << 20) - 1) / (1 << 20)
	return base + time.Duration(mib)*3*time.Second
}

// TimeoutResponse builds the failure Response for an expired turn.
func (b *Base) TimeoutResponse(timeout time.Duration) types.Response {
	return types.Failure("Timeout (%ds)", int(timeout/time.Second))
}

// BuildHealth assembles the composite health report shared by all variants.
func (b *Base) BuildHealth(proc *Process) Health {
	state := b.State()
	alive := proc != nil && proc.Alive()
	h := Health{
		Healthy:      alive && (state == types.StateReady || state == types.StateBusy),
		State:        state,
		ProcessAlive: alive,
		SessionID:    b.SessionID(),
		Stats:        b.Stats(),
		TotalCostUSD: b.TotalCost(),
	}
	if proc != nil {
		h.PID = proc.Pid()
	}
	if !h.Healthy {
		h.StderrTail = b.StderrTail()
	}
	return h
}

// WaitReady blocks until the bridge leaves warming_up, for callers that race
// an in-flight restart.
func (b *Base) WaitReady(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		switch b.State() {
		case types.StateReady, types.StateBusy:
			return nil
		case types.StateError, types.StateDisconnected:
			return fmt.Errorf("bridge in state %s", b.State())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
