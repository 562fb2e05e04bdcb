// Package streamjson implements the bridge variant for the agent that speaks
// newline-delimited JSON frames over stdin/stdout in print mode. The wire
// protocol lives in pkg/streamjson; this package owns the subprocess, the
// turn loop, and the translation into typed events.
package streamjson

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/sandbox"
	"github.com/avatar-engine/avatar-engine/internal/sessions"
	"github.com/avatar-engine/avatar-engine/internal/types"
	"github.com/avatar-engine/avatar-engine/pkg/streamjson"
)

// Bridge drives one stream-JSON agent subprocess.
type Bridge struct {
	*bridge.Base

	store sessions.Store

	mu       sync.Mutex
	sb       *sandbox.Sandbox
	proc     *bridge.Process
	client   *streamjson.Client
	cancel   context.CancelFunc
	resumeID string

	turnMu sync.Mutex
	turn   *turnState
}

// New builds the bridge; Start spawns the agent.
func New(opts bridge.Options) *Bridge {
	return &Bridge{
		Base:     bridge.NewBase(opts),
		store:    sessions.ForProvider(opts.Provider, opts.Profile.Home),
		resumeID: opts.Config.ResumeSessionID,
	}
}

// Start spawns the agent subprocess and begins consuming its stdout.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.proc != nil && b.proc.Alive() {
		return fmt.Errorf("bridge already started")
	}

	b.SetState(types.StateWarmingUp, "")

	sb, err := sandbox.New()
	if err != nil {
		b.SetState(types.StateError, err.Error())
		return err
	}
	b.sb = sb

	args, err := b.buildArgs(sb)
	if err != nil {
		_ = sb.Cleanup()
		b.SetState(types.StateError, err.Error())
		return err
	}

	proc, err := bridge.StartProcess(b.Profile.Command, args, b.Cfg.WorkingDir, b.Cfg.Env, b.Log)
	if err != nil {
		_ = sb.Cleanup()
		b.SetState(types.StateError, err.Error())
		return fmt.Errorf("spawn agent: %w", err)
	}
	b.proc = proc

	go b.MonitorStderr(proc.Stderr)

	if err := proc.VerifyAlive(); err != nil {
		tail := strings.Join(b.StderrTail(), "\n")
		_ = sb.Cleanup()
		b.SetState(types.StateError, err.Error())
		if tail != "" {
			return fmt.Errorf("%w\nstderr:\n%s", err, tail)
		}
		return err
	}

	client := streamjson.NewClient(proc.Stdin, proc.Stdout, b.Log)
	client.SetFrameHandler(b.handleFrame)
	client.SetControlHandler(b.handleControlRequest)

	readCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	<-client.Start(readCtx)
	b.client = client

	b.SetState(types.StateReady, "")
	b.SetSessionCapabilities(types.SessionCapabilities{
		CanList:         true,
		CanLoad:         true,
		CanContinueLast: true,
	})
	b.Log.Info("stream-json bridge started", zap.Int("pid", proc.Pid()))
	return nil
}

// buildArgs assembles the print-mode invocation around the sandbox paths.
func (b *Bridge) buildArgs(sb *sandbox.Sandbox) ([]string, error) {
	settingsPath, err := sb.WriteSettings(map[string]any{})
	if err != nil {
		return nil, err
	}

	args := append([]string{}, b.Profile.Args...)
	args = append(args,
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--settings", settingsPath,
	)

	if len(b.Cfg.MCPServers) > 0 {
		mcpPath, err := sb.WriteMCPConfig(b.Cfg.MCPServers)
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", mcpPath)
	}
	if b.Cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", b.Cfg.PermissionMode)
	}
	if b.Cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", b.Cfg.SystemPrompt)
	}
	if b.Cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(b.Cfg.MaxTurns))
	}
	if b.resumeID != "" {
		args = append(args, "--resume", b.resumeID)
	} else if b.Cfg.ContinueLast {
		args = append(args, "--continue")
	}
	if b.Cfg.OutputSchema != "" {
		schemaPath, err := sb.WriteJSONSchema(json.RawMessage(b.Cfg.OutputSchema))
		if err != nil {
			return nil, err
		}
		args = append(args, "--json-schema", schemaPath)
	}
	if b.Cfg.FallbackModel != "" {
		args = append(args, "--fallback-model", b.Cfg.FallbackModel)
	}
	return args, nil
}

// Stop tears the bridge down: reader, stdin, process group, sandbox.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.client != nil {
		b.client.Stop()
		b.client = nil
	}
	if b.proc != nil {
		b.proc.Stop()
		b.proc = nil
	}
	if b.sb != nil {
		_ = b.sb.Cleanup()
		b.sb = nil
	}
	b.SetState(types.StateDisconnected, "")
	return nil
}

// ListSessions reads the agent's on-disk project store.
func (b *Bridge) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	return b.store.ListSessions(ctx, b.workingDir())
}

// ResumeSession restarts the agent with --resume for the given id.
func (b *Bridge) ResumeSession(ctx context.Context, sessionID string) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.resumeID = sessionID
	b.mu.Unlock()
	b.ClearHistory()
	if err := b.Start(ctx); err != nil {
		return err
	}
	b.SetSessionID(sessionID)
	return nil
}

// InterruptTurn asks the agent to abandon the in-flight turn.
func (b *Bridge) InterruptTurn(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("bridge not started")
	}
	return client.Interrupt(ctx, 10*time.Second)
}

// IsHealthy reports whether the subprocess is alive and the bridge usable.
func (b *Bridge) IsHealthy() bool {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil || !proc.Alive() {
		return false
	}
	s := b.State()
	return s == types.StateReady || s == types.StateBusy
}

// CheckHealth returns the composite health report.
func (b *Bridge) CheckHealth() bridge.Health {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	return b.BuildHealth(proc)
}

func (b *Bridge) workingDir() string {
	if b.Cfg.WorkingDir != "" {
		return b.Cfg.WorkingDir
	}
	return "."
}

// handleControlRequest answers the agent's permission asks. Policy denials
// are refused; everything else is allowed, since the permission mode flag
// already scopes what the agent asks about.
func (b *Bridge) handleControlRequest(requestID string, req *streamjson.ControlRequest) {
	if req.Subtype != streamjson.SubtypeCanUseTool {
		b.Log.Debug("ignoring control request", zap.String("subtype", req.Subtype))
		return
	}

	behavior := streamjson.BehaviorAllow
	message := ""
	if !b.ToolPolicy().Allows(req.ToolName) {
		behavior = streamjson.BehaviorDeny
		message = "denied by policy"
		b.EmitEvent(&events.Tool{
			ToolName: req.ToolName,
			ToolID:   req.ToolUseID,
			Status:   events.ToolFailed,
			Error:    "denied by policy",
		})
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	err := client.SendControlResponse(&streamjson.ControlResponseMessage{
		RequestID: requestID,
		Response: &streamjson.ControlResponse{
			Subtype: "success",
			Result:  &streamjson.PermissionResult{Behavior: behavior, Message: message},
		},
	})
	if err != nil {
		b.Log.Warn("failed to answer permission request", zap.Error(err))
	}
}

var _ bridge.Bridge = (*Bridge)(nil)
