package acp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/sysprompt"
	"github.com/avatar-engine/avatar-engine/internal/tracing"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

const protocolName = "acp"

// generatedImage is one base64 image the agent streamed during a turn.
type generatedImage struct {
	data     string
	mimeType string
}

// turnState accumulates one in-flight turn. Session updates arrive on the
// SDK's read loop while the prompt RPC blocks; all fields are guarded by mu.
type turnState struct {
	mu sync.Mutex

	text         strings.Builder
	toolCalls    []types.ToolCall
	pendingTools map[string]types.ToolCall
	deniedTools  map[string]bool
	raw          []json.RawMessage
	images       []generatedImage

	wasThinking bool
	blockSeq    int
}

func newTurnState() *turnState {
	return &turnState{
		pendingTools: make(map[string]types.ToolCall),
		deniedTools:  make(map[string]bool),
	}
}

// Send runs one turn: build content blocks, issue the prompt RPC, and fold
// the streamed updates into a Response. Turns are serialized; a Response
// comes back on every path.
func (b *Bridge) Send(ctx context.Context, prompt string, attachments []types.Attachment) types.Response {
	b.TurnMu.Lock()
	defer b.TurnMu.Unlock()

	start := time.Now()
	finish := func(resp types.Response) types.Response {
		resp.DurationMS = time.Since(start).Milliseconds()
		b.ObserveResponse(resp)
		return resp
	}

	if err := b.awaitRestart(ctx); err != nil {
		return finish(types.Failure("agent restart failed: %v", err))
	}

	if s := b.State(); s != types.StateReady {
		return finish(types.Failure("bridge not ready (state %s)", s))
	}

	b.mu.Lock()
	conn := b.conn
	acpMode := b.acpMode
	b.mu.Unlock()

	if !acpMode {
		return finish(b.oneshotTurn(ctx, prompt, attachments))
	}
	if conn == nil {
		return finish(types.Failure("bridge not started"))
	}

	finalPrompt := b.preparePrompt(prompt)

	b.SetState(types.StateBusy, "")

	blocks := b.buildBlocks(finalPrompt, attachments)

	turn := newTurnState()
	b.turnMu.Lock()
	b.turn = turn
	b.turnMu.Unlock()
	defer func() {
		b.turnMu.Lock()
		b.turn = nil
		b.turnMu.Unlock()
	}()

	_, span := tracing.TraceProtocolRequest(ctx, protocolName, string(b.ProviderName), "session/prompt")
	defer span.End()

	timeout := b.TurnTimeout(attachments)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.AppendUser(prompt, attachments)

	resp, err := conn.Prompt(tctx, acp.PromptRequest{
		SessionId: acp.SessionId(b.SessionID()),
		Prompt:    blocks,
	})
	if err != nil {
		return finish(b.promptFailure(turn, err, tctx, timeout, attachments))
	}

	result := b.buildResponse(turn, resp.StopReason)
	if result.Success {
		b.AppendAssistant(result.Content, result.ToolCalls)
	} else {
		b.failPendingTools(turn, result.Error)
	}
	b.SetState(types.StateReady, "")
	return finish(result)
}

// SendStream runs one turn with chunks delivered through the output
// callback; updates already stream during the RPC, so this is Send without
// attachments.
func (b *Bridge) SendStream(ctx context.Context, prompt string) types.Response {
	return b.Send(ctx, prompt, nil)
}

// preparePrompt applies first-message system-prompt injection and any armed
// resume context. Both are wrapped so UIs can strip them from history.
func (b *Bridge) preparePrompt(prompt string) string {
	if b.Cfg.SystemPrompt != "" &&
		b.Capabilities().SystemPrompt == providers.SystemPromptInjected &&
		b.MarkPromptInjected() {
		prompt = sysprompt.InjectSystemPrompt(b.Cfg.SystemPrompt, prompt)
	}
	if pc := b.takePendingContext(); pc != "" {
		prompt = sysprompt.InjectConversationContext(pc, prompt)
	}
	return prompt
}

// promptFailure classifies a failed prompt RPC into a Response and the
// matching state transition.
func (b *Bridge) promptFailure(turn *turnState, err error, tctx context.Context, timeout time.Duration, attachments []types.Attachment) types.Response {
	switch {
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		b.failPendingTools(turn, "turn timed out")
		b.SetState(types.StateError, "turn timed out")
		return b.TimeoutResponse(timeout)

	case tctx.Err() != nil:
		b.failPendingTools(turn, "turn cancelled")
		b.SetState(types.StateError, tctx.Err().Error())
		return types.Failure("%v", tctx.Err())

	case strings.Contains(err.Error(), "Internal error") && len(attachments) > 0:
		// The agent's session is unusable after choking on a large inline
		// attachment. Restart in the background; subsequent sends wait.
		b.failPendingTools(turn, "agent session corrupted")
		b.SetState(types.StateError, "agent session corrupted")
		b.scheduleRestart()
		return types.Failure(
			"agent failed on attachment delivery; files above %d bytes must be passed by path (inline limit). Session is restarting.",
			b.inlineLimit())

	default:
		b.failPendingTools(turn, err.Error())
		b.SetState(types.StateError, err.Error())
		return types.Failure("prompt failed: %v", err)
	}
}

// buildResponse folds the accumulated updates and the RPC stop reason into a
// Response.
func (b *Bridge) buildResponse(turn *turnState, stopReason acp.StopReason) types.Response {
	turn.mu.Lock()
	content := turn.text.String()
	toolCalls := append([]types.ToolCall(nil), turn.toolCalls...)
	raw := append([]json.RawMessage(nil), turn.raw...)
	images := append([]generatedImage(nil), turn.images...)
	turn.mu.Unlock()

	resp := types.Response{
		Content:         content,
		Success:         true,
		ToolCalls:       toolCalls,
		RawEvents:       raw,
		GeneratedImages: b.saveGeneratedImages(images),
	}
	switch stopReason {
	case acp.StopReasonCancelled:
		resp.Success = false
		resp.Error = "turn cancelled"
	case acp.StopReasonRefusal:
		resp.Success = false
		resp.Error = "agent refused the prompt"
		if content != "" {
			resp.Error = content
		}
	}
	if resp.Success {
		resp.SessionID = b.SessionID()
	}
	return resp
}

func (b *Bridge) inlineLimit() int64 {
	return b.Profile.InlineLimitBytes
}

// buildBlocks renders attachments first, then the prompt text. Files above
// the inline limit become file:// resource links; smaller ones are inlined
// base64 by mime family.
func (b *Bridge) buildBlocks(prompt string, attachments []types.Attachment) []acp.ContentBlock {
	var blocks []acp.ContentBlock
	for _, att := range attachments {
		if block, ok := b.buildAttachmentBlock(att); ok {
			blocks = append(blocks, block)
		}
	}
	return append(blocks, acp.TextBlock(prompt))
}

func (b *Bridge) buildAttachmentBlock(att types.Attachment) (acp.ContentBlock, bool) {
	abs, err := filepath.Abs(att.Path)
	if err != nil {
		abs = att.Path
	}
	uri := "file://" + abs

	size := att.Size
	if size == 0 {
		if fi, err := os.Stat(att.Path); err == nil {
			size = fi.Size()
		}
	}

	if limit := b.inlineLimit(); limit > 0 && size > limit {
		block := acp.ResourceLinkBlock(att.Filename, uri)
		mt := att.MimeType
		sz := int(size)
		block.ResourceLink.MimeType = &mt
		block.ResourceLink.Size = &sz
		return block, true
	}

	data, err := os.ReadFile(att.Path)
	if err != nil {
		b.EmitEvent(&events.Diagnostic{
			Message: fmt.Sprintf("skipping attachment %s: %v", att.Filename, err),
			Level:   events.DiagWarning,
			Source:  "bridge",
		})
		return acp.ContentBlock{}, false
	}
	b64 := base64.StdEncoding.EncodeToString(data)

	switch {
	case att.IsImage():
		return acp.ImageBlock(b64, att.MimeType), true
	case att.IsAudio():
		return acp.AudioBlock(b64, att.MimeType), true
	default:
		mt := att.MimeType
		return acp.ResourceBlock(acp.EmbeddedResourceResource{
			BlobResourceContents: &acp.BlobResourceContents{
				Uri:      uri,
				Blob:     b64,
				MimeType: &mt,
			},
		}), true
	}
}

// failPendingTools emits failed Tool events for ids with no observed result.
func (b *Bridge) failPendingTools(turn *turnState, reason string) {
	turn.mu.Lock()
	pending := make([]types.ToolCall, 0, len(turn.pendingTools))
	for _, tc := range turn.pendingTools {
		pending = append(pending, tc)
	}
	turn.pendingTools = make(map[string]types.ToolCall)
	turn.mu.Unlock()

	for _, tc := range pending {
		b.EmitEvent(&events.Tool{
			ToolName: tc.Name,
			ToolID:   tc.ID,
			Status:   events.ToolFailed,
			Error:    reason,
		})
	}
}

// saveGeneratedImages writes streamed base64 images into the uploads
// directory and returns their paths.
func (b *Bridge) saveGeneratedImages(images []generatedImage) []string {
	if len(images) == 0 {
		return nil
	}

	dir := b.uploadsDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "avatar-engine", "uploads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.EmitEvent(&events.Diagnostic{
			Message: fmt.Sprintf("cannot create uploads dir: %v", err),
			Level:   events.DiagWarning,
			Source:  "bridge",
		})
		return nil
	}

	var paths []string
	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.data)
		if err != nil {
			b.EmitEvent(&events.Diagnostic{
				Message: fmt.Sprintf("dropping undecodable generated image: %v", err),
				Level:   events.DiagWarning,
				Source:  "bridge",
			})
			continue
		}
		name := strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + imageExt(img.mimeType)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			b.EmitEvent(&events.Diagnostic{
				Message: fmt.Sprintf("cannot save generated image: %v", err),
				Level:   events.DiagWarning,
				Source:  "bridge",
			})
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func imageExt(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
