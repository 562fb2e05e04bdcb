// Package acp implements the bridge variant for agents speaking the Agent
// Client Protocol (JSON-RPC 2.0 over stdin/stdout, via the acp-go-sdk). Two
// providers share the implementation and differ only in launch profile:
// spawn command, authenticate method, session-store dialect, and the inline
// attachment limit.
package acp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/sandbox"
	"github.com/avatar-engine/avatar-engine/internal/sessions"
	"github.com/avatar-engine/avatar-engine/internal/sysprompt"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

const (
	initializeTimeout   = 30 * time.Second
	authenticateTimeout = 60 * time.Second
	sessionSetupTimeout = 30 * time.Second
)

// Bridge drives one ACP agent subprocess. When the protocol handshake fails
// on the provider that supports plain print mode, the bridge degrades to
// spawning a oneshot process per turn instead.
type Bridge struct {
	*bridge.Base

	store      sessions.Store
	uploadsDir string

	mu             sync.Mutex
	sb             *sandbox.Sandbox
	proc           *bridge.Process
	conn           *acp.ClientSideConnection
	acpMode        bool
	canLoadRPC     bool
	resumeID       string
	pendingContext string

	restartMu   sync.Mutex
	restartDone chan struct{}
	restartErr  error

	permMu       sync.Mutex
	pendingPerms map[string]chan permissionAnswer
	permTimeout  time.Duration

	turnMu sync.Mutex
	turn   *turnState
}

// New builds the bridge; Start spawns the agent and performs the handshake.
func New(opts bridge.Options) *Bridge {
	return &Bridge{
		Base:         bridge.NewBase(opts),
		store:        sessions.ForProvider(opts.Provider, opts.Profile.Home),
		uploadsDir:   opts.UploadsDir,
		acpMode:      true,
		resumeID:     opts.Config.ResumeSessionID,
		pendingPerms: make(map[string]chan permissionAnswer),
	}
}

// Start spawns the agent and walks the ACP start sequence: initialize,
// optional authenticate, then the session cascade.
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

	proc, err := bridge.StartProcess(b.Profile.Command, b.Profile.Args, b.Cfg.WorkingDir, b.Cfg.Env, b.Log)
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
		b.proc = nil
		b.SetState(types.StateError, err.Error())
		if tail != "" {
			return fmt.Errorf("%w\nstderr:\n%s", err, tail)
		}
		return err
	}

	conn := acp.NewClientSideConnection(&acpClient{b: b}, proc.Stdin, proc.Stdout)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))
	b.conn = conn

	if err := b.handshake(ctx); err != nil {
		b.teardownLocked()
		if b.ProviderName == providers.ACPA {
			// The first agent also supports plain print mode; serve turns
			// by spawning a oneshot process per request instead.
			b.Log.Warn("ACP handshake failed, falling back to oneshot mode", zap.Error(err))
			b.acpMode = false
			b.SetSessionCapabilities(types.SessionCapabilities{CanList: true})
			b.SetState(types.StateReady, "oneshot fallback")
			return nil
		}
		b.SetState(types.StateError, err.Error())
		return err
	}

	b.ResetPromptInjected()
	b.SetState(types.StateReady, "")
	b.Log.Info("acp bridge started",
		zap.Int("pid", proc.Pid()),
		zap.String("session_id", b.SessionID()))
	return nil
}

// handshake performs initialize, authenticate, and the session cascade.
// Called with b.mu held.
func (b *Bridge) handshake(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	initResp, err := b.conn.Initialize(initCtx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
		ClientInfo: &acp.Implementation{
			Name:    "avatar-engine",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("ACP initialize handshake failed: %w", err)
	}

	b.canLoadRPC = initResp.AgentCapabilities.LoadSession
	b.SetSessionCapabilities(types.SessionCapabilities{
		CanList:         b.store != nil,
		CanLoad:         b.canLoadRPC,
		CanContinueLast: b.store != nil,
	})
	if initResp.AgentInfo != nil {
		b.Log.Info("ACP agent initialized",
			zap.String("agent_name", initResp.AgentInfo.Name),
			zap.String("agent_version", initResp.AgentInfo.Version),
			zap.Bool("supports_load_session", b.canLoadRPC))
	}

	if err := b.authenticate(ctx); err != nil {
		return err
	}
	if err := b.establishSession(ctx); err != nil {
		return err
	}

	if b.Cfg.SessionMode != "" {
		modeCtx, cancel := context.WithTimeout(ctx, sessionSetupTimeout)
		defer cancel()
		_, err := b.conn.SetSessionMode(modeCtx, acp.SetSessionModeRequest{
			SessionId: acp.SessionId(b.SessionID()),
			ModeId:    acp.SessionModeId(b.Cfg.SessionMode),
		})
		if err != nil {
			b.Log.Warn("session mode not applied", zap.Error(err))
		}
	}
	return nil
}

// authenticate runs the profile's auth method. Agents that need no auth
// reject the call with "not supported"; that is success. A hang is fatal.
func (b *Bridge) authenticate(ctx context.Context) error {
	if b.Profile.AuthMethod == "" {
		return nil
	}
	authCtx, cancel := context.WithTimeout(ctx, authenticateTimeout)
	defer cancel()
	_, err := b.conn.Authenticate(authCtx, acp.AuthenticateRequest{
		MethodId: b.Profile.AuthMethod,
	})
	if err == nil {
		return nil
	}
	if authCtx.Err() != nil {
		return fmt.Errorf("authenticate timed out: %w", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not supported") || strings.Contains(msg, "not implemented") {
		b.Log.Debug("agent does not require authenticate", zap.Error(err))
		return nil
	}
	return fmt.Errorf("authenticate failed: %w", err)
}

// establishSession walks the cascade: load by id, continue the most recent
// stored session, or create a fresh one. A resume the agent cannot load is
// converted into a new session carrying the stored history as context.
func (b *Bridge) establishSession(ctx context.Context) error {
	resumeID := b.resumeID
	if resumeID == "" && b.Cfg.ContinueLast && b.store != nil {
		list, err := b.store.ListSessions(ctx, b.workingDir())
		if err != nil {
			b.Log.Warn("could not list stored sessions for continue", zap.Error(err))
		} else if len(list) > 0 {
			resumeID = list[0].SessionID
		}
	}

	sessCtx, cancel := context.WithTimeout(ctx, sessionSetupTimeout)
	defer cancel()

	if resumeID != "" && b.canLoadRPC {
		_, err := b.conn.LoadSession(sessCtx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(resumeID),
			Cwd:        b.workingDir(),
			McpServers: b.acpMCPServers(),
		})
		if err != nil {
			return fmt.Errorf("load session %s: %w", resumeID, err)
		}
		b.SetSessionID(resumeID)
		b.Log.Info("loaded session", zap.String("session_id", resumeID))
		return nil
	}

	resp, err := b.conn.NewSession(sessCtx, acp.NewSessionRequest{
		Cwd:        b.workingDir(),
		McpServers: b.acpMCPServers(),
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	b.SetSessionID(string(resp.SessionId))
	b.Log.Info("created session", zap.String("session_id", string(resp.SessionId)))

	// The session store can replay this session from now on.
	caps := b.SessionCapabilities()
	caps.CanLoad = true
	b.SetSessionCapabilities(caps)

	if resumeID != "" && b.store != nil {
		// The agent silently gave us a fresh session; carry the stored
		// conversation over as history plus a context prefix on the next
		// prompt.
		msgs, err := b.store.LoadSessionMessages(ctx, resumeID, b.workingDir())
		if err != nil {
			b.Log.Warn("could not load stored session history",
				zap.String("session_id", resumeID), zap.Error(err))
			return nil
		}
		b.AppendMessages(msgs)
		b.pendingContext = sysprompt.BuildConversationContext(msgs, 0, 0)
		b.Log.Info("armed resume context for new session",
			zap.String("resumed_from", resumeID),
			zap.Int("messages", len(msgs)))
	}
	return nil
}

func (b *Bridge) acpMCPServers() []acp.McpServer {
	if len(b.Cfg.MCPServers) == 0 {
		return []acp.McpServer{}
	}
	out := make([]acp.McpServer, 0, len(b.Cfg.MCPServers))
	for name, server := range b.Cfg.MCPServers {
		out = append(out, acp.McpServer{
			Stdio: &acp.McpServerStdio{
				Name:    name,
				Command: server.Command,
				Args:    append([]string{}, server.Args...),
			},
		})
	}
	return out
}

// Stop tears the bridge down: connection, stdin, process group, sandbox.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
	b.SetState(types.StateDisconnected, "")
	return nil
}

// teardownLocked releases the connection, subprocess, and sandbox. The ACP
// connection dies with its pipes: dropping it first stops new RPCs, then
// closing stdin asks the agent to exit before the group is killed.
func (b *Bridge) teardownLocked() {
	b.conn = nil
	if b.proc != nil {
		b.proc.Stop()
		b.proc = nil
	}
	if b.sb != nil {
		_ = b.sb.Cleanup()
		b.sb = nil
	}
}

// ListSessions reads the agent's on-disk session store.
func (b *Bridge) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	if b.store == nil {
		return nil, fmt.Errorf("provider %s has no session store", b.ProviderName)
	}
	return b.store.ListSessions(ctx, b.workingDir())
}

// ResumeSession restarts the bridge bound to the given stored session.
func (b *Bridge) ResumeSession(ctx context.Context, sessionID string) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.resumeID = sessionID
	b.mu.Unlock()
	b.ClearHistory()
	return b.Start(ctx)
}

// InterruptTurn asks the agent to abandon the in-flight turn.
func (b *Bridge) InterruptTurn(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	return conn.Cancel(ctx, acp.CancelNotification{
		SessionId: acp.SessionId(b.SessionID()),
	})
}

// IsHealthy reports whether the bridge can take a turn.
func (b *Bridge) IsHealthy() bool {
	b.mu.Lock()
	proc := b.proc
	acpMode := b.acpMode
	b.mu.Unlock()

	s := b.State()
	usable := s == types.StateReady || s == types.StateBusy
	if !acpMode {
		// Oneshot mode keeps no persistent subprocess.
		return usable
	}
	return usable && proc != nil && proc.Alive()
}

// CheckHealth returns the composite health report.
func (b *Bridge) CheckHealth() bridge.Health {
	b.mu.Lock()
	proc := b.proc
	acpMode := b.acpMode
	b.mu.Unlock()

	if !acpMode {
		s := b.State()
		return bridge.Health{
			Healthy:      s == types.StateReady || s == types.StateBusy,
			State:        s,
			SessionID:    b.SessionID(),
			Stats:        b.Stats(),
			TotalCostUSD: b.TotalCost(),
		}
	}
	return b.BuildHealth(proc)
}

func (b *Bridge) workingDir() string {
	if b.Cfg.WorkingDir != "" {
		return b.Cfg.WorkingDir
	}
	return "."
}

// scheduleRestart launches one asynchronous teardown-and-restart; subsequent
// sends await it. A second corruption while a restart is in flight joins the
// existing one.
func (b *Bridge) scheduleRestart() {
	b.restartMu.Lock()
	if b.restartDone != nil {
		b.restartMu.Unlock()
		return
	}
	done := make(chan struct{})
	b.restartDone = done
	b.restartMu.Unlock()

	b.EmitEvent(&events.Error{
		Error:       "agent session corrupted, restarting",
		Recoverable: true,
	})

	go func() {
		_ = b.Stop(context.Background())
		b.ClearHistory()
		b.SetSessionID("")
		err := b.Start(context.Background())

		b.restartMu.Lock()
		b.restartErr = err
		b.restartDone = nil
		b.restartMu.Unlock()
		close(done)

		if err != nil {
			b.Log.Error("restart after corruption failed", zap.Error(err))
		}
	}()
}

// awaitRestart blocks a send while an asynchronous restart is in flight.
func (b *Bridge) awaitRestart(ctx context.Context) error {
	b.restartMu.Lock()
	done := b.restartDone
	b.restartMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		b.restartMu.Lock()
		defer b.restartMu.Unlock()
		return b.restartErr
	}
}

// takePendingContext consumes the armed resume context, if any.
func (b *Bridge) takePendingContext() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc := b.pendingContext
	b.pendingContext = ""
	return pc
}

var _ bridge.Bridge = (*Bridge)(nil)
