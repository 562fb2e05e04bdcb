package streamjson

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/tracing"
	"github.com/avatar-engine/avatar-engine/internal/types"
	"github.com/avatar-engine/avatar-engine/pkg/streamjson"
)

const protocolName = "stream_json"

// turnState accumulates one in-flight turn. The frame handler runs on the
// read-loop goroutine; all fields are guarded by mu.
type turnState struct {
	mu sync.Mutex

	text          strings.Builder
	deltaStreamed bool
	toolCalls     []types.ToolCall
	pendingTools  map[string]types.ToolCall
	deniedTools   map[string]bool
	raw           []json.RawMessage
	result        chan *streamjson.Frame
}

func newTurnState() *turnState {
	return &turnState{
		pendingTools: make(map[string]types.ToolCall),
		deniedTools:  make(map[string]bool),
		result:       make(chan *streamjson.Frame, 1),
	}
}

// Send runs one turn: write the user frame, consume events until the result
// frame, and fold the outcome into history and stats. Turns are serialized;
// a Response comes back on every path.
func (b *Bridge) Send(ctx context.Context, prompt string, attachments []types.Attachment) types.Response {
	b.TurnMu.Lock()
	defer b.TurnMu.Unlock()

	start := time.Now()
	finish := func(resp types.Response) types.Response {
		resp.DurationMS = time.Since(start).Milliseconds()
		b.ObserveResponse(resp)
		return resp
	}

	if s := b.State(); s != types.StateReady {
		return finish(types.Failure("bridge not ready (state %s)", s))
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return finish(types.Failure("bridge not started"))
	}

	b.SetState(types.StateBusy, "")

	blocks := b.buildBlocks(prompt, attachments)
	msg := &streamjson.UserMessage{
		Message:   streamjson.UserMessageBody{Content: blocks},
		SessionID: b.SessionID(),
	}

	turn := newTurnState()
	b.turnMu.Lock()
	b.turn = turn
	b.turnMu.Unlock()
	defer func() {
		b.turnMu.Lock()
		b.turn = nil
		b.turnMu.Unlock()
	}()

	_, span := tracing.TraceProtocolRequest(ctx, protocolName, string(b.ProviderName), "prompt")
	defer span.End()

	if err := client.SendUserMessage(msg); err != nil {
		b.SetState(types.StateError, err.Error())
		return finish(types.Failure("send prompt: %v", err))
	}
	b.AppendUser(prompt, attachments)

	timeout := b.TurnTimeout(attachments)
	select {
	case <-ctx.Done():
		b.SetState(types.StateError, ctx.Err().Error())
		return finish(types.Failure("%v", ctx.Err()))

	case <-time.After(timeout):
		b.failPendingTools(turn, "turn timed out")
		b.SetState(types.StateError, "turn timed out")
		return finish(b.TimeoutResponse(timeout))

	case frame := <-turn.result:
		resp := b.buildResponse(turn, frame)
		if resp.Success {
			b.AppendAssistant(resp.Content, resp.ToolCalls)
			b.SetState(types.StateReady, "")
		} else {
			b.failPendingTools(turn, resp.Error)
			// An error result ends the turn normally; the agent is
			// still usable.
			b.SetState(types.StateReady, "")
		}
		return finish(resp)
	}
}

// SendStream runs one turn with deltas delivered through the output
// callback; the read loop already streams them, so this is Send without
// attachments.
func (b *Bridge) SendStream(ctx context.Context, prompt string) types.Response {
	return b.Send(ctx, prompt, nil)
}

// buildBlocks renders attachments first, then the prompt text. Images and
// PDFs are inlined base64; unsupported mimes are skipped with a Diagnostic.
func (b *Bridge) buildBlocks(prompt string, attachments []types.Attachment) []streamjson.InputBlock {
	var blocks []streamjson.InputBlock
	for _, att := range attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			b.EmitEvent(&events.Diagnostic{
				Message: fmt.Sprintf("skipping attachment %s: %v", att.Filename, err),
				Level:   events.DiagWarning,
				Source:  "bridge",
			})
			continue
		}
		b64 := base64.StdEncoding.EncodeToString(data)
		switch {
		case att.MimeType == "image/png" || att.MimeType == "image/jpeg" || att.MimeType == "image/webp":
			blocks = append(blocks, streamjson.ImageBlock(att.MimeType, b64))
		case att.IsPDF():
			blocks = append(blocks, streamjson.DocumentBlock(att.Filename, att.MimeType, b64))
		default:
			b.EmitEvent(&events.Diagnostic{
				Message: fmt.Sprintf("attachment %s has unsupported type %s, omitted", att.Filename, att.MimeType),
				Level:   events.DiagWarning,
				Source:  "bridge",
			})
		}
	}
	return append(blocks, streamjson.TextBlock(prompt))
}

// buildResponse folds the terminal result frame and the accumulated turn
// state into a Response.
func (b *Bridge) buildResponse(turn *turnState, frame *streamjson.Frame) types.Response {
	turn.mu.Lock()
	content := turn.text.String()
	toolCalls := append([]types.ToolCall(nil), turn.toolCalls...)
	raw := append([]json.RawMessage(nil), turn.raw...)
	turn.mu.Unlock()

	if content == "" {
		content = frame.ResultText()
	}

	resp := types.Response{
		Content:   content,
		Success:   !frame.IsError,
		ToolCalls: toolCalls,
		RawEvents: raw,
		CostUSD:   frame.TotalCostUSD,
	}
	if frame.IsError {
		resp.Error = content
		if resp.Error == "" {
			resp.Error = "agent reported an error result"
		}
	}
	if frame.Usage != nil {
		resp.Usage = &types.TokenUsage{
			InputTokens:              frame.Usage.InputTokens,
			OutputTokens:             frame.Usage.OutputTokens,
			CacheReadInputTokens:     frame.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: frame.Usage.CacheCreationInputTokens,
		}
	}
	if resp.Success {
		resp.SessionID = b.SessionID()
	}
	return resp
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

// handleFrame consumes every non-control frame from agent stdout.
func (b *Bridge) handleFrame(frame *streamjson.Frame) {
	// The agent may rotate the session id mid-conversation (compaction);
	// any frame carrying one updates the binding.
	if frame.SessionID != "" && frame.SessionID != b.SessionID() {
		b.Log.Info("session id updated",
			zap.String("old", b.SessionID()),
			zap.String("new", frame.SessionID),
			zap.String("frame_type", frame.Type))
		b.SetSessionID(frame.SessionID)
	}

	b.turnMu.Lock()
	turn := b.turn
	b.turnMu.Unlock()

	tracing.TraceProtocolEvent(context.Background(), protocolName, string(b.ProviderName),
		frame.Type, frame.Raw, nil)

	if turn == nil {
		b.Log.Debug("frame outside turn", zap.String("type", frame.Type))
		return
	}

	turn.mu.Lock()
	turn.raw = append(turn.raw, frame.Raw)
	turn.mu.Unlock()

	switch frame.Type {
	case streamjson.FrameTypeAssistant, streamjson.FrameTypeMessage:
		b.handleAssistantFrame(turn, frame)
	case streamjson.FrameTypeUser:
		b.handleToolResults(turn, frame)
	case streamjson.FrameTypeStreamEvent:
		b.handleStreamEvent(turn, frame)
	case streamjson.FrameTypeResult:
		select {
		case turn.result <- frame:
		default:
		}
	case streamjson.FrameTypeSystem:
		// Session binding handled above; nothing else to do.
	default:
		b.Log.Debug("unhandled frame type", zap.String("type", frame.Type))
	}
}

func (b *Bridge) handleAssistantFrame(turn *turnState, frame *streamjson.Frame) {
	if frame.Message == nil || frame.Message.Role != "assistant" {
		return
	}

	for _, block := range frame.Message.Content {
		switch block.Type {
		case "text":
			turn.mu.Lock()
			streamed := turn.deltaStreamed
			// Deltas already carried this text; re-accumulating the
			// full block would duplicate the content.
			if !streamed {
				turn.text.WriteString(block.Text)
			}
			turn.mu.Unlock()
			if !streamed && block.Text != "" {
				b.EmitOutput(block.Text)
				b.EmitEvent(&events.Text{Text: block.Text})
			}

		case "thinking":
			if block.Thinking != "" {
				b.EmitEvent(&events.Thinking{Thought: block.Thinking})
			}

		case "tool_use":
			b.handleToolUse(turn, block)
		}
	}
}

func (b *Bridge) handleToolUse(turn *turnState, block streamjson.ContentBlock) {
	if !b.ToolPolicy().Allows(block.Name) {
		turn.mu.Lock()
		turn.deniedTools[block.ID] = true
		turn.mu.Unlock()
		b.EmitEvent(&events.Tool{
			ToolName: block.Name,
			ToolID:   block.ID,
			Status:   events.ToolFailed,
			Error:    "denied by policy",
		})
		return
	}

	tc := types.ToolCall{ID: block.ID, Name: block.Name, Parameters: block.Input}
	turn.mu.Lock()
	turn.toolCalls = append(turn.toolCalls, tc)
	turn.pendingTools[block.ID] = tc
	turn.mu.Unlock()

	b.EmitEvent(&events.Tool{
		ToolName:   block.Name,
		ToolID:     block.ID,
		Parameters: block.Input,
		Status:     events.ToolStarted,
	})
}

// handleToolResults completes pending tool calls from tool_result blocks in
// agent-echoed user frames.
func (b *Bridge) handleToolResults(turn *turnState, frame *streamjson.Frame) {
	if frame.Message == nil {
		return
	}
	for _, block := range frame.Message.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}

		turn.mu.Lock()
		denied := turn.deniedTools[block.ToolUseID]
		tc, pending := turn.pendingTools[block.ToolUseID]
		if pending {
			delete(turn.pendingTools, block.ToolUseID)
		}
		turn.mu.Unlock()

		// Results for policy-denied ids are suppressed.
		if denied || !pending {
			continue
		}

		status := events.ToolCompleted
		errText := ""
		if block.IsError {
			status = events.ToolFailed
			errText = block.ContentText()
		}
		b.EmitEvent(&events.Tool{
			ToolName: tc.Name,
			ToolID:   tc.ID,
			Status:   status,
			Result:   block.ContentText(),
			Error:    errText,
		})
	}
}

func (b *Bridge) handleStreamEvent(turn *turnState, frame *streamjson.Frame) {
	if frame.Event == nil || frame.Event.Delta == nil {
		return
	}
	switch frame.Event.Delta.Type {
	case streamjson.DeltaTypeText:
		text := frame.Event.Delta.Text
		if text == "" {
			return
		}
		turn.mu.Lock()
		turn.text.WriteString(text)
		turn.deltaStreamed = true
		turn.mu.Unlock()
		b.EmitOutput(text)
		b.EmitEvent(&events.Text{Text: text})

	case streamjson.DeltaTypeThinking:
		if frame.Event.Delta.Thinking != "" {
			b.EmitEvent(&events.Thinking{Thought: frame.Event.Delta.Thinking})
		}
	}
}
