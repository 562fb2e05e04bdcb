// Package main is the avatar-engine server: one conversation engine bound
// to an embedded AI agent, exposed over HTTP and WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/engine"
	"github.com/avatar-engine/avatar-engine/internal/events/bus"
	"github.com/avatar-engine/avatar-engine/internal/gateway"
	"github.com/avatar-engine/avatar-engine/internal/gateway/websocket"
	"github.com/avatar-engine/avatar-engine/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "avatar-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting avatar-engine",
		zap.String("provider", cfg.Engine.Provider),
		zap.String("addr", cfg.Server.Addr()))

	eventBus, busCleanup, err := bus.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()

	eng, err := engine.New(engine.Options{
		Config:     &cfg.Engine,
		Bus:        eventBus,
		Logger:     log,
		UploadsDir: cfg.Uploads.Dir,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	server := gateway.NewServer(&cfg.Server, eng, log)
	fanout := websocket.NewFanout(server.Hub(), eventBus)
	defer fanout.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the bridge before serving; a failure here is not fatal, the
	// first chat retries the start.
	startCtx, startCancel := context.WithTimeout(ctx, 120*time.Second)
	if err := eng.Start(startCtx); err != nil {
		log.Warn("agent start deferred to first chat", zap.Error(err))
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx)
	})

	g.Go(func() error {
		// Blocks until SIGINT/SIGTERM or gctx cancellation, then stops
		// the engine gracefully.
		err := eng.RunUntilSignal(gctx)
		cancel()
		return err
	})

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Warn("tracing shutdown", zap.Error(terr))
	}

	log.Info("avatar-engine stopped")
	return err
}
