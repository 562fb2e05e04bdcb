// Package engine owns one bridge and the event bus, gating every turn
// through auto-start, budget, and rate-limit checks, and translating bridge
// callbacks into typed bus events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/activity"
	"github.com/avatar-engine/avatar-engine/internal/bridge"
	acpbridge "github.com/avatar-engine/avatar-engine/internal/bridge/acp"
	"github.com/avatar-engine/avatar-engine/internal/bridge/streamjson"
	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/common/stringutil"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/events/bus"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/ratelimit"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Engine drives one conversation against one agent backend. Turns are
// serialized by the bridge; the engine adds the pre-gates, the restart
// budget, and the event fan-in.
type Engine struct {
	cfg        *config.EngineConfig
	uploadsDir string
	log        *logger.Logger
	bus        *bus.Bus
	profiles   providers.Profiles
	limiter    *ratelimit.Limiter
	tracker    *activity.Tracker

	mu           sync.Mutex
	br           bridge.Bridge
	provider     providers.Provider
	restartCount int

	// restartMu serializes stop/start cycles against the health loop.
	restartMu sync.Mutex

	thinkMu    sync.Mutex
	thinkCache *thinkingCache

	toolMu         sync.Mutex
	toolActivities map[string]string

	shuttingDown atomic.Bool

	sigMu      sync.Mutex
	sigCh      chan struct{}
	shutdownCh chan struct{}

	healthMu   sync.Mutex
	healthStop chan struct{}
	healthDone chan struct{}
}

// Options carries the engine's collaborators.
type Options struct {
	Config *config.EngineConfig
	Bus    *bus.Bus
	Logger *logger.Logger

	// UploadsDir receives agent-generated images.
	UploadsDir string
}

// New builds an engine for the configured provider. The bridge is
// constructed immediately but not started; the first Chat auto-starts it.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	provider, err := providers.Parse(opts.Config.Provider)
	if err != nil {
		return nil, err
	}
	profiles, err := providers.LoadProfiles(opts.Config.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("load provider profiles: %w", err)
	}

	e := &Engine{
		cfg:            opts.Config,
		uploadsDir:     opts.UploadsDir,
		log:            log.WithFields(zap.String("component", "engine")),
		bus:            opts.Bus,
		profiles:       profiles,
		limiter:        ratelimit.New(opts.Config.RateLimitRPM, opts.Config.RateLimitBurst),
		thinkCache:     newThinkingCache(),
		toolActivities: make(map[string]string),
		provider:       provider,
	}
	e.tracker = activity.New(e.emit)
	e.br = e.buildBridge(provider)
	return e, nil
}

// buildBridge constructs the variant for a provider and threads the engine's
// callbacks through it.
func (e *Engine) buildBridge(p providers.Provider) bridge.Bridge {
	opts := bridge.Options{
		Provider:   p,
		Profile:    e.profiles[p],
		Config:     e.cfg,
		Logger:     e.log,
		UploadsDir: e.uploadsDir,
	}

	var br bridge.Bridge
	if p == providers.StreamJSON {
		br = streamjson.New(opts)
	} else {
		br = acpbridge.New(opts)
	}

	br.SetOnEvent(e.processEvent)
	br.SetOnStateChange(e.onStateChange)
	if !e.cfg.ToolPolicy.IsEmpty() {
		br.SetToolPolicy(e.cfg.ToolPolicy)
	}
	return br
}

// Bridge returns the current bridge.
func (e *Engine) Bridge() bridge.Bridge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.br
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Activities returns the activity tracker.
func (e *Engine) Activities() *activity.Tracker { return e.tracker }

// Provider returns the active provider.
func (e *Engine) Provider() providers.Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider
}

// SessionID returns the active agent session id, if any.
func (e *Engine) SessionID() string { return e.Bridge().SessionID() }

// IsWarm reports whether the bridge can take a turn without starting.
func (e *Engine) IsWarm() bool {
	s := e.Bridge().State()
	return s == types.StateReady || s == types.StateBusy
}

// RestartCount returns restarts consumed from the budget.
func (e *Engine) RestartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restartCount
}

// ResetRestartCount restores the full restart budget.
func (e *Engine) ResetRestartCount() {
	e.mu.Lock()
	e.restartCount = 0
	e.mu.Unlock()
}

func (e *Engine) restartsRemaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.MaxRestarts - e.restartCount
}

// consumeRestart claims one restart from the budget, reporting the count
// used so far; false means the budget is exhausted.
func (e *Engine) consumeRestart() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.restartCount >= e.cfg.MaxRestarts {
		return e.restartCount, false
	}
	e.restartCount++
	return e.restartCount, true
}

// Capabilities returns the active provider's static capabilities.
func (e *Engine) Capabilities() providers.Capabilities { return e.Bridge().Capabilities() }

// SessionCapabilities returns what the live agent session supports.
func (e *Engine) SessionCapabilities() types.SessionCapabilities {
	return e.Bridge().SessionCapabilities()
}

// ToolPolicy returns the bridge's tool policy.
func (e *Engine) ToolPolicy() types.ToolPolicy { return e.Bridge().ToolPolicy() }

// SetToolPolicy replaces the bridge's tool policy.
func (e *Engine) SetToolPolicy(p types.ToolPolicy) { e.Bridge().SetToolPolicy(p) }

// History returns a copy of the conversation history.
func (e *Engine) History() []types.Message { return e.Bridge().History() }

// ClearHistory wipes the conversation history.
func (e *Engine) ClearHistory() { e.Bridge().ClearHistory() }

// Stats returns the bridge's turn statistics.
func (e *Engine) Stats() types.Stats { return e.Bridge().Stats() }

// Start brings the bridge up and launches the health loop when configured.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Bridge().Start(ctx); err != nil {
		return err
	}
	e.startHealthLoop()
	return nil
}

// Stop shuts down the health loop and the bridge.
func (e *Engine) Stop(ctx context.Context) error {
	e.shuttingDown.Store(true)
	e.stopHealthLoop()
	return e.Bridge().Stop(ctx)
}

// ListSessions lists stored sessions for the active provider.
func (e *Engine) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	return e.Bridge().ListSessions(ctx)
}

// ResumeSession loads a stored session, restarting the bridge onto it.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) error {
	e.restartMu.Lock()
	defer e.restartMu.Unlock()
	return e.Bridge().ResumeSession(ctx, sessionID)
}

// IsHealthy reports composite health. An exhausted restart budget leaves the
// engine unhealthy until ResetRestartCount or SwitchProvider.
func (e *Engine) IsHealthy() bool {
	e.mu.Lock()
	exhausted := e.cfg.MaxRestarts > 0 && e.restartCount >= e.cfg.MaxRestarts
	e.mu.Unlock()
	if exhausted {
		return false
	}
	return e.Bridge().IsHealthy()
}

// Health returns the bridge's full health report.
func (e *Engine) Health() bridge.Health { return e.Bridge().CheckHealth() }

// SwitchProvider tears down the current bridge and builds one for p. The
// restart budget resets; bus subscriptions are untouched.
func (e *Engine) SwitchProvider(ctx context.Context, p providers.Provider) error {
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}

	e.restartMu.Lock()
	defer e.restartMu.Unlock()

	old := e.Bridge()
	if old.Provider() == p {
		return nil
	}
	if err := old.Stop(ctx); err != nil {
		e.log.Warn("stopping old bridge", zap.Error(err))
	}

	next := e.buildBridge(p)
	if err := next.Start(ctx); err != nil {
		return fmt.Errorf("start %s bridge: %w", p, err)
	}

	e.mu.Lock()
	e.br = next
	e.provider = p
	e.restartCount = 0
	e.mu.Unlock()

	e.cfg.Provider = string(p)
	e.log.Info("switched provider", zap.String("provider", string(p)))
	return nil
}

// turnInterrupter is implemented by bridges that can cancel an in-flight
// turn without tearing the session down.
type turnInterrupter interface {
	InterruptTurn(ctx context.Context) error
}

// InterruptTurn cancels the in-flight turn if the bridge supports it.
func (e *Engine) InterruptTurn(ctx context.Context) error {
	if ti, ok := e.Bridge().(turnInterrupter); ok {
		return ti.InterruptTurn(ctx)
	}
	return fmt.Errorf("provider %s cannot interrupt a turn", e.Provider())
}

// NewSession discards the current session and starts a fresh one.
func (e *Engine) NewSession(ctx context.Context) error {
	return e.ResumeSession(ctx, "")
}

// RespondPermission answers a forwarded agent permission request. Only ACP
// bridges raise them; other variants report false.
func (e *Engine) RespondPermission(requestID, optionID string, allow bool) bool {
	if ab, ok := e.Bridge().(*acpbridge.Bridge); ok {
		return ab.RespondPermission(requestID, optionID, allow)
	}
	return false
}

// emit stamps the provider and publishes to the bus.
func (e *Engine) emit(ev events.Event) {
	if meta := ev.EventMeta(); meta.Provider == "" {
		meta.Provider = e.Provider()
	}
	e.bus.Emit(ev)
}

// processEvent is the single translator between bridge callbacks and the
// bus. It annotates thinking blocks and drives the activity tracker before
// republishing.
func (e *Engine) processEvent(ev events.Event) {
	switch v := ev.(type) {
	case *events.Thinking:
		e.thinkMu.Lock()
		if v.IsComplete {
			e.thinkCache.reset()
		} else {
			e.thinkCache.annotate(v)
		}
		e.thinkMu.Unlock()
	case *events.Tool:
		e.trackTool(v)
	}
	e.emit(ev)
}

// onStateChange only logs: the bridge already emits the State event for the
// transition, and processEvent republishes it onto the bus. Emitting here as
// well would deliver every transition twice.
func (e *Engine) onStateChange(oldState, newState types.BridgeState, detail string) {
	e.log.Debug("bridge state changed",
		zap.String("from", string(oldState)),
		zap.String("to", string(newState)),
		zap.String("detail", detail))
}

// trackTool mirrors tool lifecycles into activities. Tools without an id
// cannot be correlated and are skipped.
func (e *Engine) trackTool(tool *events.Tool) {
	if tool.ToolID == "" {
		return
	}

	switch tool.Status {
	case events.ToolStarted:
		id := e.tracker.Start("tool", tool.ToolName, nil)
		e.toolMu.Lock()
		e.toolActivities[tool.ToolID] = id
		e.toolMu.Unlock()

	case events.ToolCompleted, events.ToolFailed:
		e.toolMu.Lock()
		id, ok := e.toolActivities[tool.ToolID]
		delete(e.toolActivities, tool.ToolID)
		e.toolMu.Unlock()
		if !ok {
			return
		}
		if tool.Status == events.ToolCompleted {
			e.tracker.Complete(id, truncateDetail(tool.Result))
		} else {
			e.tracker.Fail(id, errors.New(tool.Error))
		}
	}
}

// activityDetailLimit keeps tool results from bloating activity events.
const activityDetailLimit = 512

func truncateDetail(s string) string {
	return stringutil.Ellipsize(s, activityDetailLimit)
}
