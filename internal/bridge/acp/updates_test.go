package acp

import (
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

func newTestBridge(t *testing.T, mutate func(*config.EngineConfig)) *Bridge {
	t.Helper()
	cfg := &config.EngineConfig{Provider: string(providers.ACPA), Timeout: 5}
	if mutate != nil {
		mutate(cfg)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return New(bridge.Options{
		Provider: providers.ACPA,
		Profile:  providers.DefaultProfile(providers.ACPA),
		Config:   cfg,
		Logger:   log,
	})
}

func startTurn(b *Bridge) *turnState {
	turn := newTurnState()
	b.turnMu.Lock()
	b.turn = turn
	b.turnMu.Unlock()
	return turn
}

func TestThoughtThenMessageClosesBlock(t *testing.T) {
	b := newTestBridge(t, nil)
	turn := startTurn(b)

	var got []events.Event
	b.SetOnEvent(func(ev events.Event) { got = append(got, ev) })

	b.handleThought(turn, "reading the request")
	b.handleThought(turn, ", deciding on an approach")
	b.handleMessageChunk(turn, acp.TextBlock("Hello"))

	require.Len(t, got, 4)

	first, ok := got[0].(*events.Thinking)
	require.True(t, ok)
	assert.True(t, first.IsStart)
	assert.Equal(t, "block-1", first.BlockID)
	assert.Equal(t, "reading the request", first.Thought)

	second, ok := got[1].(*events.Thinking)
	require.True(t, ok)
	assert.False(t, second.IsStart, "continuation stays in the same block")
	assert.Equal(t, "block-1", second.BlockID)

	closing, ok := got[2].(*events.Thinking)
	require.True(t, ok)
	assert.True(t, closing.IsComplete)
	assert.Equal(t, "block-1", closing.BlockID)

	text, ok := got[3].(*events.Text)
	require.True(t, ok)
	assert.Equal(t, "Hello", text.Text)

	turn.mu.Lock()
	defer turn.mu.Unlock()
	assert.Equal(t, "Hello", turn.text.String())
}

func TestSecondThoughtBlockGetsNewID(t *testing.T) {
	b := newTestBridge(t, nil)
	turn := startTurn(b)

	var thinking []*events.Thinking
	b.SetOnEvent(func(ev events.Event) {
		if th, ok := ev.(*events.Thinking); ok {
			thinking = append(thinking, th)
		}
	})

	b.handleThought(turn, "first block")
	b.handleMessageChunk(turn, acp.TextBlock("interlude"))
	b.handleThought(turn, "second block")

	require.Len(t, thinking, 3)
	assert.Equal(t, "block-1", thinking[0].BlockID)
	assert.True(t, thinking[1].IsComplete)
	assert.Equal(t, "block-2", thinking[2].BlockID)
	assert.True(t, thinking[2].IsStart)
}

func TestToolCallLifecycle(t *testing.T) {
	b := newTestBridge(t, nil)
	turn := startTurn(b)

	var tools []*events.Tool
	b.SetOnEvent(func(ev events.Event) {
		if tool, ok := ev.(*events.Tool); ok {
			tools = append(tools, tool)
		}
	})

	b.handleToolCall(turn, &acp.SessionUpdateToolCall{
		ToolCallId: acp.ToolCallId("t1"),
		Title:      "Read main.go",
		Kind:       acp.ToolKind("read"),
		RawInput:   map[string]any{"path": "main.go"},
	})

	status := acp.ToolCallStatus("completed")
	b.handleToolCallUpdate(turn, &acp.SessionToolCallUpdate{
		ToolCallId: acp.ToolCallId("t1"),
		Status:     &status,
		RawOutput:  "package main",
	})

	require.Len(t, tools, 2)
	assert.Equal(t, events.ToolStarted, tools[0].Status)
	assert.Equal(t, "read", tools[0].ToolName)
	assert.Equal(t, "main.go", tools[0].Parameters["path"])
	assert.Equal(t, events.ToolCompleted, tools[1].Status)
	assert.Equal(t, "package main", tools[1].Result)

	turn.mu.Lock()
	defer turn.mu.Unlock()
	require.Len(t, turn.toolCalls, 1)
	assert.Equal(t, "read", turn.toolCalls[0].Name)
	assert.Empty(t, turn.pendingTools)
}

func TestToolCallDeniedByPolicy(t *testing.T) {
	b := newTestBridge(t, nil)
	b.SetToolPolicy(types.ToolPolicy{Deny: []string{"execute"}})
	turn := startTurn(b)

	var tools []*events.Tool
	b.SetOnEvent(func(ev events.Event) {
		if tool, ok := ev.(*events.Tool); ok {
			tools = append(tools, tool)
		}
	})

	b.handleToolCall(turn, &acp.SessionUpdateToolCall{
		ToolCallId: acp.ToolCallId("t1"),
		Kind:       acp.ToolKind("execute"),
	})

	// The agent still runs the tool and reports completion; that result is
	// suppressed.
	status := acp.ToolCallStatus("completed")
	b.handleToolCallUpdate(turn, &acp.SessionToolCallUpdate{
		ToolCallId: acp.ToolCallId("t1"),
		Status:     &status,
		RawOutput:  "should not surface",
	})

	require.Len(t, tools, 1)
	assert.Equal(t, events.ToolFailed, tools[0].Status)
	assert.Equal(t, "denied by policy", tools[0].Error)

	turn.mu.Lock()
	defer turn.mu.Unlock()
	assert.Empty(t, turn.toolCalls)
}

func TestIntermediateToolUpdateIgnored(t *testing.T) {
	b := newTestBridge(t, nil)
	turn := startTurn(b)

	b.handleToolCall(turn, &acp.SessionUpdateToolCall{
		ToolCallId: acp.ToolCallId("t1"),
		Kind:       acp.ToolKind("read"),
	})

	var count int
	b.SetOnEvent(func(ev events.Event) { count++ })

	status := acp.ToolCallStatus("in_progress")
	b.handleToolCallUpdate(turn, &acp.SessionToolCallUpdate{
		ToolCallId: acp.ToolCallId("t1"),
		Status:     &status,
	})

	assert.Zero(t, count)
	turn.mu.Lock()
	defer turn.mu.Unlock()
	assert.Contains(t, turn.pendingTools, "t1", "tool stays pending until terminal status")
}

func TestFailedToolUpdateCarriesError(t *testing.T) {
	b := newTestBridge(t, nil)
	turn := startTurn(b)

	b.handleToolCall(turn, &acp.SessionUpdateToolCall{
		ToolCallId: acp.ToolCallId("t1"),
		Kind:       acp.ToolKind("fetch"),
	})

	var tools []*events.Tool
	b.SetOnEvent(func(ev events.Event) {
		if tool, ok := ev.(*events.Tool); ok {
			tools = append(tools, tool)
		}
	})

	status := acp.ToolCallStatus("failed")
	b.handleToolCallUpdate(turn, &acp.SessionToolCallUpdate{
		ToolCallId: acp.ToolCallId("t1"),
		Status:     &status,
	})

	require.Len(t, tools, 1)
	assert.Equal(t, events.ToolFailed, tools[0].Status)
	assert.Equal(t, "tool failed", tools[0].Error)
}

func TestStringifyRawOutput(t *testing.T) {
	assert.Equal(t, "", stringifyRawOutput(nil))
	assert.Equal(t, "plain", stringifyRawOutput("plain"))
	assert.Equal(t, `{"ok":true}`, stringifyRawOutput(map[string]any{"ok": true}))
}
