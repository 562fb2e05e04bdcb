package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/tracing"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// handleUpdate consumes one session notification from the SDK read loop and
// translates it into typed events plus turn accumulation.
func (b *Bridge) handleUpdate(n acp.SessionNotification) {
	raw, err := json.Marshal(n)
	if err == nil {
		tracing.TraceProtocolEvent(context.Background(), protocolName, string(b.ProviderName),
			"session_update", raw, nil)
	}

	b.turnMu.Lock()
	turn := b.turn
	b.turnMu.Unlock()
	if turn == nil {
		b.Log.Debug("session update outside turn")
		return
	}

	if raw != nil {
		turn.mu.Lock()
		turn.raw = append(turn.raw, raw)
		turn.mu.Unlock()
	}

	u := n.Update
	switch {
	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			b.handleThought(turn, t.Text)
		}
	case u.AgentMessageChunk != nil:
		b.handleMessageChunk(turn, u.AgentMessageChunk.Content)
	case u.ToolCall != nil:
		b.handleToolCall(turn, u.ToolCall)
	case u.ToolCallUpdate != nil:
		b.handleToolCallUpdate(turn, u.ToolCallUpdate)
	case u.Plan != nil:
		var lines []string
		for _, entry := range u.Plan.Entries {
			lines = append(lines, fmt.Sprintf("[%s] %s", entry.Status, entry.Content))
		}
		b.EmitEvent(&events.Diagnostic{
			Message: "plan: " + strings.Join(lines, "; "),
			Level:   events.DiagInfo,
			Source:  "agent",
		})
	case u.AvailableCommandsUpdate != nil:
		b.EmitEvent(&events.Diagnostic{
			Message: fmt.Sprintf("agent advertised %d commands", len(u.AvailableCommandsUpdate.AvailableCommands)),
			Level:   events.DiagDebug,
			Source:  "agent",
		})
	default:
		// Unknown update shapes are logged, never surfaced as content.
		b.Log.Debug("unhandled session update")
	}
}

// handleThought emits a Thinking chunk, opening a new reasoning block when
// the previous update was not a thought.
func (b *Bridge) handleThought(turn *turnState, text string) {
	if text == "" {
		return
	}

	turn.mu.Lock()
	isStart := !turn.wasThinking
	if isStart {
		turn.blockSeq++
		turn.wasThinking = true
	}
	blockID := fmt.Sprintf("block-%d", turn.blockSeq)
	turn.mu.Unlock()

	b.EmitEvent(&events.Thinking{
		Thought: text,
		BlockID: blockID,
		IsStart: isStart,
	})
}

// handleMessageChunk closes an open reasoning block, then accumulates and
// streams assistant text. Base64 image content is collected for saving after
// the turn.
func (b *Bridge) handleMessageChunk(turn *turnState, content acp.ContentBlock) {
	turn.mu.Lock()
	closeThinking := turn.wasThinking
	turn.wasThinking = false
	blockID := fmt.Sprintf("block-%d", turn.blockSeq)
	turn.mu.Unlock()

	if closeThinking {
		b.EmitEvent(&events.Thinking{BlockID: blockID, IsComplete: true})
	}

	if content.Text != nil && content.Text.Text != "" {
		text := content.Text.Text
		turn.mu.Lock()
		turn.text.WriteString(text)
		turn.mu.Unlock()
		b.EmitOutput(text)
		b.EmitEvent(&events.Text{Text: text})
	}

	if content.Image != nil && content.Image.Data != "" {
		turn.mu.Lock()
		turn.images = append(turn.images, generatedImage{
			data:     content.Image.Data,
			mimeType: content.Image.MimeType,
		})
		turn.mu.Unlock()
	}
}

// handleToolCall starts a tool lifecycle, enforcing the tool policy: denied
// tools get a synthetic failure and their later updates are suppressed.
func (b *Bridge) handleToolCall(turn *turnState, tc *acp.SessionUpdateToolCall) {
	id := string(tc.ToolCallId)
	name := string(tc.Kind)
	if name == "" {
		name = tc.Title
	}

	if !b.ToolAllowed(name, id) {
		turn.mu.Lock()
		turn.deniedTools[id] = true
		turn.mu.Unlock()
		return
	}

	var params map[string]any
	if m, ok := tc.RawInput.(map[string]any); ok {
		params = m
	}

	call := types.ToolCall{ID: id, Name: name, Parameters: params}
	turn.mu.Lock()
	turn.toolCalls = append(turn.toolCalls, call)
	turn.pendingTools[id] = call
	turn.mu.Unlock()

	b.EmitEvent(&events.Tool{
		ToolName:   name,
		ToolID:     id,
		Parameters: params,
		Status:     events.ToolStarted,
	})
}

// handleToolCallUpdate completes or fails a pending tool call. Intermediate
// progress updates are ignored.
func (b *Bridge) handleToolCallUpdate(turn *turnState, tc *acp.SessionToolCallUpdate) {
	id := string(tc.ToolCallId)

	status := ""
	if tc.Status != nil {
		status = string(*tc.Status)
	}
	var toolStatus events.ToolStatus
	switch status {
	case "completed", "complete":
		toolStatus = events.ToolCompleted
	case "failed", "error":
		toolStatus = events.ToolFailed
	default:
		return
	}

	turn.mu.Lock()
	denied := turn.deniedTools[id]
	call, pending := turn.pendingTools[id]
	if pending {
		delete(turn.pendingTools, id)
	}
	turn.mu.Unlock()

	if denied || !pending {
		return
	}

	result := stringifyRawOutput(tc.RawOutput)
	ev := &events.Tool{
		ToolName: call.Name,
		ToolID:   id,
		Status:   toolStatus,
		Result:   result,
	}
	if toolStatus == events.ToolFailed {
		ev.Error = result
		if ev.Error == "" {
			ev.Error = "tool failed"
		}
	}
	b.EmitEvent(ev)
}

// stringifyRawOutput renders a tool's raw output for the Tool event.
func stringifyRawOutput(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
