package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/events"
)

// permissionTimeout bounds how long an unanswered permission request may
// block the agent before it is denied.
const permissionTimeout = 2 * time.Minute

// permissionAnswer is one reply delivered through RespondPermission.
type permissionAnswer struct {
	optionID string
	allow    bool
}

// acpClient answers the agent's client-side RPCs: permission requests,
// session update notifications, and workspace file access. Terminal support
// is advertised during initialize but stubbed; the agents probe for it
// without depending on real output.
type acpClient struct {
	b *Bridge
}

// RequestPermission resolves an agent's ask-before-acting callback. With
// auto-approve configured the first allow option wins; otherwise the request
// is surfaced as a PermissionRequest event and blocks on RespondPermission.
func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	b := c.b

	if len(p.Options) == 0 {
		b.Log.Warn("permission request carried no options, cancelling")
		return cancelledPermission(), nil
	}

	if b.Cfg.AutoApprovePermissions {
		opt := pickAllowOption(p.Options)
		b.Log.Info("auto-approving permission request",
			zap.String("option_id", string(opt.OptionId)),
			zap.String("option_name", opt.Name))
		return selectedPermission(opt.OptionId), nil
	}

	requestID := uuid.NewString()
	answer := make(chan permissionAnswer, 1)
	b.permMu.Lock()
	b.pendingPerms[requestID] = answer
	b.permMu.Unlock()
	defer func() {
		b.permMu.Lock()
		delete(b.pendingPerms, requestID)
		b.permMu.Unlock()
	}()

	b.EmitEvent(&events.PermissionRequest{
		RequestID: requestID,
		ToolName:  permissionToolName(p),
		ToolInput: permissionToolInput(p),
		Options:   permissionOptions(p.Options),
	})

	timeout := b.permTimeout
	if timeout <= 0 {
		timeout = permissionTimeout
	}
	select {
	case <-ctx.Done():
		return cancelledPermission(), nil
	case <-time.After(timeout):
		b.Log.Warn("permission request unanswered, denying",
			zap.String("request_id", requestID))
		return cancelledPermission(), nil
	case a := <-answer:
		if !a.allow {
			return cancelledPermission(), nil
		}
		return selectedPermission(acp.PermissionOptionId(a.optionID)), nil
	}
}

// RespondPermission delivers a subscriber's answer to a pending permission
// request. Returns false when the request already timed out or was answered.
func (b *Bridge) RespondPermission(requestID, optionID string, allow bool) bool {
	b.permMu.Lock()
	answer, ok := b.pendingPerms[requestID]
	if ok {
		delete(b.pendingPerms, requestID)
	}
	b.permMu.Unlock()
	if !ok {
		return false
	}
	answer <- permissionAnswer{optionID: optionID, allow: allow}
	return true
}

// pickAllowOption returns the first allow_once/allow_always option, falling
// back to the first option offered.
func pickAllowOption(options []acp.PermissionOption) *acp.PermissionOption {
	for i := range options {
		opt := &options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return opt
		}
	}
	return &options[0]
}

func selectedPermission(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

func permissionToolName(p acp.RequestPermissionRequest) string {
	if p.ToolCall.Kind != nil {
		return string(*p.ToolCall.Kind)
	}
	if p.ToolCall.Title != nil {
		// Some agents pack the whole invocation into the title; keep the
		// leading command word.
		title := *p.ToolCall.Title
		if idx := strings.Index(title, " "); idx > 0 {
			return title[:idx]
		}
		return title
	}
	return ""
}

func permissionToolInput(p acp.RequestPermissionRequest) map[string]any {
	if m, ok := p.ToolCall.RawInput.(map[string]any); ok {
		return m
	}
	return nil
}

func permissionOptions(options []acp.PermissionOption) []events.PermissionOption {
	out := make([]events.PermissionOption, len(options))
	for i, opt := range options {
		out[i] = events.PermissionOption{
			OptionID: string(opt.OptionId),
			Name:     opt.Name,
			Kind:     string(opt.Kind),
		}
	}
	return out
}

// SessionUpdate forwards agent notifications into the turn accumulator.
func (c *acpClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.b.handleUpdate(n)
	return nil
}

// ReadTextFile serves the agent's workspace read requests.
func (c *acpClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(data)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves the agent's workspace write requests.
func (c *acpClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// Terminal support is stubbed: the capability is advertised so agents that
// probe for it initialize cleanly, but commands are not executed host-side.

func (c *acpClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.b.Log.Debug("create terminal request", zap.String("command", p.Command))
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *acpClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *acpClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *acpClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *acpClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*acpClient)(nil)
