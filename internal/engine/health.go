package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/events"
)

// startHealthLoop launches the background poll when an interval is
// configured. Idempotent.
func (e *Engine) startHealthLoop() {
	interval := e.cfg.HealthCheckIntervalDuration()
	if interval <= 0 {
		return
	}

	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	if e.healthStop != nil {
		return
	}
	e.healthStop = make(chan struct{})
	e.healthDone = make(chan struct{})
	go e.healthLoop(interval, e.healthStop, e.healthDone)
}

func (e *Engine) stopHealthLoop() {
	e.healthMu.Lock()
	stop, done := e.healthStop, e.healthDone
	e.healthStop, e.healthDone = nil, nil
	e.healthMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// healthLoop polls the bridge and restarts it while budget remains. A busy
// bridge is left alone; turns carry their own timeouts.
func (e *Engine) healthLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if e.shuttingDown.Load() {
			continue
		}
		br := e.Bridge()
		if br.IsHealthy() {
			continue
		}

		count, ok := e.consumeRestart()
		if !ok {
			e.emit(&events.Error{
				Error:       "health check failed and restart budget is exhausted",
				Recoverable: false,
			})
			continue
		}

		e.emit(&events.Error{
			Error:       fmt.Sprintf("health check failed, restarting (%d/%d)", count, e.cfg.MaxRestarts),
			Recoverable: true,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := e.restartBridge(ctx, br); err != nil {
			e.log.Error("health restart failed", zap.Error(err))
			e.emit(&events.Error{
				Error:       fmt.Sprintf("restart failed: %v", err),
				Recoverable: e.restartsRemaining() > 0,
			})
		}
		cancel()
	}
}
