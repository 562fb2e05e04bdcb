// Package types holds the data model shared by the bridges, the engine, and
// the gateway: conversation messages, turn responses, session metadata, and
// the state enums.
package types

// BridgeState tracks the lifecycle of a single agent bridge. Transitions are
// linear on success and collapse to StateError on failure; leaving
// StateDisconnected again requires an explicit start.
type BridgeState string

const (
	StateDisconnected BridgeState = "disconnected"
	StateWarmingUp    BridgeState = "warming_up"
	StateReady        BridgeState = "ready"
	StateBusy         BridgeState = "busy"
	StateError        BridgeState = "error"
)

func (s BridgeState) String() string { return string(s) }

// EngineState is the coarser, UI-facing view derived from live events. It is
// never persisted.
type EngineState string

const (
	EngineIdle            EngineState = "idle"
	EngineThinking        EngineState = "thinking"
	EngineResponding      EngineState = "responding"
	EngineToolExecuting   EngineState = "tool_executing"
	EngineWaitingApproval EngineState = "waiting_approval"
	EngineError           EngineState = "error"
)

func (s EngineState) String() string { return string(s) }
