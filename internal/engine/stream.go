package engine

import (
	"context"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// streamBuffer bounds the chunk channel; a stalled consumer backpressures
// the bridge's output callback instead of growing without bound.
const streamBuffer = 64

// Stream is one in-flight streaming turn. Chunks closes when the turn ends;
// Response blocks until then.
type Stream struct {
	ch   chan string
	resp types.Response
	done chan struct{}
}

// Chunks returns the text chunks as the agent produces them.
func (s *Stream) Chunks() <-chan string { return s.ch }

// Response returns the turn's final Response, blocking until the stream has
// ended. Failed turns report through Response, not through Chunks.
func (s *Stream) Response() types.Response {
	<-s.done
	return s.resp
}

// ChatStream runs one turn with live text delivery. The same pre-gates and
// restart policy as Chat apply; the bridge's output callback is redirected
// into the stream for the duration of the turn and restored after.
func (e *Engine) ChatStream(ctx context.Context, prompt string) *Stream {
	s := &Stream{
		ch:   make(chan string, streamBuffer),
		done: make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)

		br := e.Bridge()
		br.SetOnOutput(func(text string) {
			select {
			case s.ch <- text:
			case <-ctx.Done():
			}
		})
		defer br.SetOnOutput(nil)

		s.resp = e.runTurn(ctx, func(c context.Context, br bridge.Bridge) types.Response {
			return br.SendStream(c, prompt)
		})
	}()

	return s
}
