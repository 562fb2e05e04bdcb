package websocket

import (
	"sync"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/events/bus"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Fanout subscribes to the engine bus and republishes every event to the
// hub. Each event is serialized once; the hub's broadcast queue decouples
// bus dispatch from client writes. After events that may change the coarse
// engine state it re-broadcasts an engine_state message.
type Fanout struct {
	hub *Hub
	sub *bus.Subscription

	mu      sync.Mutex
	deriver *stateDeriver
}

// NewFanout attaches a fanout to the bus. Detach with Close.
func NewFanout(hub *Hub, b *bus.Bus) *Fanout {
	f := &Fanout{
		hub:     hub,
		deriver: newStateDeriver(),
	}
	f.sub = b.SubscribeAny(f.handle)
	return f
}

func (f *Fanout) handle(ev events.Event) {
	frame, ok := encodeEvent(ev)
	if !ok {
		return
	}
	f.hub.Broadcast(frame)

	f.mu.Lock()
	state, changed := f.deriver.observe(ev)
	f.mu.Unlock()
	if changed {
		f.hub.BroadcastEnvelope("engine_state", map[string]any{"state": state})
	}
}

// State returns the current derived engine state.
func (f *Fanout) State() types.EngineState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deriver.state
}

// Close detaches the fanout from the bus.
func (f *Fanout) Close() {
	f.sub.Unsubscribe()
}
