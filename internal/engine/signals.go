package engine

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// InstallSignalHandlers registers SIGINT/SIGTERM handling. The handler only
// flips the shutting-down flag and wakes RunUntilSignal; all teardown runs
// outside signal context. Idempotent.
func (e *Engine) InstallSignalHandlers() {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	if e.sigCh != nil {
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	stop := make(chan struct{})
	e.sigCh = stop
	e.shutdownCh = make(chan struct{})
	shutdown := e.shutdownCh

	go func() {
		select {
		case <-sigs:
			e.shuttingDown.Store(true)
			close(shutdown)
		case <-stop:
		}
		signal.Stop(sigs)
	}()
}

// RemoveSignalHandlers restores default signal disposition.
func (e *Engine) RemoveSignalHandlers() {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	if e.sigCh == nil {
		return
	}
	close(e.sigCh)
	e.sigCh = nil
	e.shutdownCh = nil
}

// ShuttingDown reports whether a shutdown signal has been observed.
func (e *Engine) ShuttingDown() bool { return e.shuttingDown.Load() }

// RunUntilSignal blocks until SIGINT/SIGTERM or context cancellation, then
// stops the engine gracefully.
func (e *Engine) RunUntilSignal(ctx context.Context) error {
	e.InstallSignalHandlers()
	defer e.RemoveSignalHandlers()

	e.sigMu.Lock()
	shutdown := e.shutdownCh
	e.sigMu.Unlock()

	select {
	case <-ctx.Done():
	case <-shutdown:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Stop(stopCtx)
}
