// Package bus provides the in-process typed event bus plus an optional NATS
// mirror for out-of-process consumers.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/events"
)

// Handler receives events synchronously during Emit. Handlers needing
// backpressure or slow I/O must hand off to their own goroutine.
type Handler func(events.Event)

// Bus is a typed publish/subscribe hub. Dispatch is synchronous: Emit returns
// after every subscriber has run. Handlers may subscribe and unsubscribe
// freely from inside a dispatch; Emit works on a snapshot taken under the
// lock, so mutations never deadlock and never observe partial delivery.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	byType map[events.Type][]entry
	any    []entry
	logger *logger.Logger
}

type entry struct {
	id      uint64
	handler Handler
}

// New creates an empty bus. A nil log falls back to the process default.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		byType: make(map[events.Type][]entry),
		logger: log,
	}
}

// Subscription is a handle for removing a registered handler.
type Subscription struct {
	bus *Bus
	typ events.Type
	any bool
	id  uint64
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t events.Type, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.byType[t] = append(b.byType[t], entry{id: b.nextID, handler: h})
	return &Subscription{bus: b, typ: t, id: b.nextID}
}

// SubscribeAny registers a handler for every event type.
func (b *Bus) SubscribeAny(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.any = append(b.any, entry{id: b.nextID, handler: h})
	return &Subscription{bus: b, any: true, id: b.nextID}
}

// Unsubscribe removes the handler. Safe to call more than once and from
// inside a running handler.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.any {
		b.any = removeEntry(b.any, s.id)
		return
	}
	b.byType[s.typ] = removeEntry(b.byType[s.typ], s.id)
}

func removeEntry(list []entry, id uint64) []entry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Emit stamps the event's timestamp if unset, then delivers it to typed
// subscribers followed by any-subscribers, in registration order. A panicking
// handler is logged and skipped; the remaining handlers still run.
func (b *Bus) Emit(e events.Event) {
	if e == nil {
		return
	}
	meta := e.EventMeta()
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	typed := b.byType[e.EventType()]
	snapshot := make([]entry, 0, len(typed)+len(b.any))
	snapshot = append(snapshot, typed...)
	snapshot = append(snapshot, b.any...)
	b.mu.Unlock()

	for _, ent := range snapshot {
		b.invoke(ent.handler, e)
	}
}

func (b *Bus) invoke(h Handler, e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(e.EventType())),
				zap.Any("panic", r))
		}
	}()
	h(e)
}
