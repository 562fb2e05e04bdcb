package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Chat runs one turn end to end: auto-start, budget gate, rate limiting,
// delegation to the bridge, and the restart-and-retry policy on failure. It
// returns a Response on every path.
func (e *Engine) Chat(ctx context.Context, prompt string, attachments []types.Attachment) types.Response {
	return e.runTurn(ctx, func(c context.Context, br bridge.Bridge) types.Response {
		return br.Send(c, prompt, attachments)
	})
}

// runTurn applies the pre-gates, runs one turn via send, and post-processes
// the result. The send closure is re-invoked at most once after a restart.
func (e *Engine) runTurn(ctx context.Context, send func(context.Context, bridge.Bridge) types.Response) types.Response {
	if e.shuttingDown.Load() {
		return types.Failure("engine is shutting down")
	}

	br := e.Bridge()

	if err := e.ensureStarted(ctx, br); err != nil {
		e.emit(&events.Error{Error: err.Error(), Recoverable: e.restartsRemaining() > 0})
		return types.Failure("start agent: %v", err)
	}

	if refusal := br.CheckBudget(); refusal != nil {
		e.emit(&events.Error{Error: refusal.Error, Recoverable: false})
		return *refusal
	}

	wait, err := e.limiter.Acquire(ctx)
	if err != nil {
		return types.Failure("rate limit wait interrupted: %v", err)
	}
	if wait > 0 {
		e.log.Debug("rate limited", zap.Duration("waited", wait))
	}

	// A new turn starts a new reasoning run; matters for providers that
	// emit thinking chunks without block ids.
	e.thinkMu.Lock()
	e.thinkCache.reset()
	e.thinkMu.Unlock()

	resp := send(ctx, br)
	resp = e.retryAfterRestart(ctx, br, resp, send)

	if resp.CostUSD > 0 || resp.Usage != nil {
		cost := &events.Cost{CostUSD: resp.CostUSD}
		if resp.Usage != nil {
			cost.InputTokens = resp.Usage.InputTokens
			cost.OutputTokens = resp.Usage.OutputTokens
		}
		e.emit(cost)
	}
	return resp
}

// ensureStarted brings a cold bridge up before the turn. A bridge in error
// state is left for the restart budget to handle; only a never-started or
// cleanly stopped bridge auto-starts.
func (e *Engine) ensureStarted(ctx context.Context, br bridge.Bridge) error {
	if br.State() != types.StateDisconnected {
		return nil
	}

	e.restartMu.Lock()
	defer e.restartMu.Unlock()
	if br.State() != types.StateDisconnected {
		return nil
	}
	return br.Start(ctx)
}

// retryAfterRestart decides what a failed turn costs. A failure with the
// bridge still ready is recoverable at the caller level (for example a
// payload the agent rejected) and is returned as is. Anything else consumes
// a restart from the budget and retries once.
func (e *Engine) retryAfterRestart(ctx context.Context, br bridge.Bridge, resp types.Response, send func(context.Context, bridge.Bridge) types.Response) types.Response {
	if resp.Success || br.State() == types.StateReady {
		return resp
	}
	if ctx.Err() != nil || e.shuttingDown.Load() {
		return resp
	}

	count, ok := e.consumeRestart()
	if !ok {
		e.emit(&events.Error{
			Error:       fmt.Sprintf("restart budget exhausted after %d restarts: %s", count, resp.Error),
			Recoverable: false,
		})
		return resp
	}

	e.emit(&events.Error{
		Error:       fmt.Sprintf("bridge failed, restarting (%d/%d): %s", count, e.cfg.MaxRestarts, resp.Error),
		Recoverable: true,
	})

	if err := e.restartBridge(ctx, br); err != nil {
		e.emit(&events.Error{Error: fmt.Sprintf("restart failed: %v", err), Recoverable: e.restartsRemaining() > 0})
		return resp
	}
	return send(ctx, br)
}

// restartBridge cycles the bridge. Serialized against the health loop and
// provider switches.
func (e *Engine) restartBridge(ctx context.Context, br bridge.Bridge) error {
	e.restartMu.Lock()
	defer e.restartMu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := br.Stop(stopCtx); err != nil {
		e.log.Warn("stopping bridge for restart", zap.Error(err))
	}
	cancel()

	return br.Start(ctx)
}
