package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/providers"
)

func TestSubscribeReceivesOnlyMatchingType(t *testing.T) {
	b := New(nil)

	var texts []string
	b.Subscribe(events.TypeText, func(e events.Event) {
		texts = append(texts, e.(*events.Text).Text)
	})

	b.Emit(&events.Text{Text: "hello"})
	b.Emit(&events.Diagnostic{Message: "noise", Level: events.DiagInfo})
	b.Emit(&events.Text{Text: "world"})

	assert.Equal(t, []string{"hello", "world"}, texts)
}

func TestSubscribeAnyReceivesEverything(t *testing.T) {
	b := New(nil)

	var seen []events.Type
	b.SubscribeAny(func(e events.Event) {
		seen = append(seen, e.EventType())
	})

	b.Emit(&events.Text{Text: "x"})
	b.Emit(&events.Cost{CostUSD: 0.01})
	b.Emit(&events.Error{Error: "boom", Recoverable: true})

	assert.Equal(t, []events.Type{events.TypeText, events.TypeCost, events.TypeError}, seen)
}

func TestEmitOrderPreservedPerHandler(t *testing.T) {
	b := New(nil)

	var got []string
	b.Subscribe(events.TypeText, func(e events.Event) {
		got = append(got, e.(*events.Text).Text)
	})

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("chunk-%03d", i)
		want = append(want, msg)
		b.Emit(&events.Text{Text: msg})
	}

	assert.Equal(t, want, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)

	count := 0
	sub := b.Subscribe(events.TypeText, func(events.Event) { count++ })

	b.Emit(&events.Text{Text: "one"})
	sub.Unsubscribe()
	b.Emit(&events.Text{Text: "two"})

	assert.Equal(t, 1, count)

	// Idempotent.
	sub.Unsubscribe()
	b.Emit(&events.Text{Text: "three"})
	assert.Equal(t, 1, count)
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	b := New(nil)

	b.Subscribe(events.TypeText, func(events.Event) {
		panic("first handler exploded")
	})

	received := false
	b.Subscribe(events.TypeText, func(events.Event) { received = true })

	require.NotPanics(t, func() {
		b.Emit(&events.Text{Text: "still delivered"})
	})
	assert.True(t, received, "second handler must run despite the first panicking")
}

func TestSubscribeFromInsideHandlerDoesNotDeadlock(t *testing.T) {
	b := New(nil)

	lateHandlerCalls := 0
	b.Subscribe(events.TypeText, func(events.Event) {
		b.Subscribe(events.TypeText, func(events.Event) { lateHandlerCalls++ })
	})

	done := make(chan struct{})
	go func() {
		b.Emit(&events.Text{Text: "first"})
		b.Emit(&events.Text{Text: "second"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit deadlocked on re-entrant subscribe")
	}

	// The handler registered during the first emit sees only the second.
	assert.Equal(t, 1, lateHandlerCalls)
}

func TestUnsubscribeFromInsideHandler(t *testing.T) {
	b := New(nil)

	count := 0
	var sub *Subscription
	sub = b.Subscribe(events.TypeText, func(events.Event) {
		count++
		sub.Unsubscribe()
	})

	b.Emit(&events.Text{Text: "one"})
	b.Emit(&events.Text{Text: "two"})

	assert.Equal(t, 1, count, "self-removing handler fires once")
}

func TestEmitStampsTimestampAndKeepsProvider(t *testing.T) {
	b := New(nil)

	var got *events.Text
	b.Subscribe(events.TypeText, func(e events.Event) { got = e.(*events.Text) })

	ev := &events.Text{Text: "x"}
	ev.Provider = providers.StreamJSON
	b.Emit(ev)

	require.NotNil(t, got)
	assert.False(t, got.Timestamp.IsZero(), "bus must stamp unset timestamps")
	assert.Equal(t, providers.StreamJSON, got.Provider)

	preset := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev2 := &events.Text{Text: "y"}
	ev2.Timestamp = preset
	b.Emit(ev2)
	assert.Equal(t, preset, got.Timestamp, "existing timestamps are preserved")
}

func TestConcurrentEmitters(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	total := 0
	b.SubscribeAny(func(events.Event) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	const emitters = 8
	const perEmitter = 50

	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				b.Emit(&events.Diagnostic{Message: "m", Level: events.DiagDebug})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, emitters*perEmitter, total)
}

func TestBuildEventSubject(t *testing.T) {
	assert.Equal(t, "avatar.events.text.stream_json",
		events.BuildEventSubject(events.TypeText, providers.StreamJSON))
	assert.Equal(t, "avatar.events.error.engine",
		events.BuildEventSubject(events.TypeError, ""))
	assert.Equal(t, "avatar.events.tool.*",
		events.BuildEventTypeWildcardSubject(events.TypeTool))
	assert.Equal(t, "avatar.events.>", events.BuildEventsWildcardSubject())
}
