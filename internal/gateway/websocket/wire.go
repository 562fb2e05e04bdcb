package websocket

import (
	"encoding/json"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// envelope is the wire shape of every server→client message.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wireTags maps bus event types to their wire tags. Events without an entry
// never reach clients.
var wireTags = map[events.Type]string{
	events.TypeText:              "text",
	events.TypeThinking:          "thinking",
	events.TypeTool:              "tool",
	events.TypeState:             "state",
	events.TypeCost:              "cost",
	events.TypeError:             "error",
	events.TypeDiagnostic:        "diagnostic",
	events.TypeActivity:          "activity",
	events.TypePermissionRequest: "permission_request",
}

// encodeEnvelope serializes one wire message.
func encodeEnvelope(tag string, data any) ([]byte, error) {
	return json.Marshal(envelope{Type: tag, Data: data})
}

// encodeEvent serializes a bus event into its wire message, once per event
// regardless of how many clients receive it.
func encodeEvent(ev events.Event) ([]byte, bool) {
	tag, ok := wireTags[ev.EventType()]
	if !ok {
		return nil, false
	}
	data, err := encodeEnvelope(tag, ev)
	if err != nil {
		return nil, false
	}
	return data, true
}

// stateDeriver folds the event stream into the coarse UI-facing engine
// state. The state is derived, never persisted.
type stateDeriver struct {
	state types.EngineState
}

func newStateDeriver() *stateDeriver {
	return &stateDeriver{state: types.EngineIdle}
}

// observe returns the coarse state after ev and whether it changed.
func (d *stateDeriver) observe(ev events.Event) (types.EngineState, bool) {
	next := d.state

	switch v := ev.(type) {
	case *events.Thinking:
		if v.IsComplete {
			next = types.EngineResponding
		} else {
			next = types.EngineThinking
		}

	case *events.Text:
		next = types.EngineResponding

	case *events.Tool:
		if v.Status == events.ToolStarted {
			next = types.EngineToolExecuting
		} else {
			next = types.EngineResponding
		}

	case *events.PermissionRequest:
		next = types.EngineWaitingApproval

	case *events.State:
		switch v.NewState {
		case types.StateError:
			next = types.EngineError
		case types.StateReady, types.StateDisconnected, types.StateWarmingUp:
			next = types.EngineIdle
		}
	}

	changed := next != d.state
	d.state = next
	return next, changed
}
