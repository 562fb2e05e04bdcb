package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

func TestWireTagsCoverTaxonomy(t *testing.T) {
	all := []events.Event{
		&events.Text{},
		&events.Thinking{},
		&events.Tool{},
		&events.State{},
		&events.Cost{},
		&events.Error{},
		&events.Diagnostic{},
		&events.Activity{},
		&events.PermissionRequest{},
	}
	for _, ev := range all {
		tag, ok := wireTags[ev.EventType()]
		assert.True(t, ok, "missing wire tag for %s", ev.EventType())
		assert.Equal(t, string(ev.EventType()), tag)
	}
}

func TestEncodeEventEnvelope(t *testing.T) {
	frame, ok := encodeEvent(&events.Thinking{
		Thought: "reading",
		Phase:   events.PhaseAnalyzing,
		BlockID: "block-1",
		IsStart: true,
	})
	require.True(t, ok)

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Thought string `json:"thought"`
			Phase   string `json:"phase"`
			BlockID string `json:"block_id"`
			IsStart bool   `json:"is_start"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))

	assert.Equal(t, "thinking", decoded.Type)
	assert.Equal(t, "reading", decoded.Data.Thought)
	assert.Equal(t, "analyzing", decoded.Data.Phase, "enums stringify")
	assert.Equal(t, "block-1", decoded.Data.BlockID)
	assert.True(t, decoded.Data.IsStart)
}

func TestStateDeriverTransitions(t *testing.T) {
	d := newStateDeriver()
	assert.Equal(t, types.EngineIdle, d.state)

	st, changed := d.observe(&events.Thinking{Thought: "hm", IsStart: true})
	assert.True(t, changed)
	assert.Equal(t, types.EngineThinking, st)

	_, changed = d.observe(&events.Thinking{Thought: "more"})
	assert.False(t, changed, "staying in thinking is not a transition")

	st, changed = d.observe(&events.Thinking{IsComplete: true})
	assert.True(t, changed)
	assert.Equal(t, types.EngineResponding, st)

	st, _ = d.observe(&events.Tool{Status: events.ToolStarted})
	assert.Equal(t, types.EngineToolExecuting, st)

	st, _ = d.observe(&events.Tool{Status: events.ToolCompleted})
	assert.Equal(t, types.EngineResponding, st)

	st, _ = d.observe(&events.PermissionRequest{RequestID: "r1"})
	assert.Equal(t, types.EngineWaitingApproval, st)

	st, _ = d.observe(&events.State{NewState: types.StateError})
	assert.Equal(t, types.EngineError, st)

	st, _ = d.observe(&events.State{NewState: types.StateReady})
	assert.Equal(t, types.EngineIdle, st)
}

func TestStateDeriverTextChunk(t *testing.T) {
	d := newStateDeriver()

	st, changed := d.observe(&events.Text{Text: "hi"})
	assert.True(t, changed, "first chunk flips to responding")
	assert.Equal(t, types.EngineResponding, st)

	_, changed = d.observe(&events.Text{Text: "more"})
	assert.False(t, changed)
}

func TestStateDeriverIgnoresAmbientEvents(t *testing.T) {
	d := newStateDeriver()

	_, changed := d.observe(&events.Diagnostic{Message: "noise"})
	assert.False(t, changed)
	_, changed = d.observe(&events.Cost{CostUSD: 0.01})
	assert.False(t, changed)
}
