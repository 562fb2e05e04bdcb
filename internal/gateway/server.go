// Package gateway hosts the HTTP surface: health, session listing, stats,
// and the WebSocket upgrade into the hub.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/httpmw"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/gateway/websocket"
)

// Server is the HTTP front of the engine.
type Server struct {
	cfg     *config.ServerConfig
	engine  websocket.Engine
	hub     *websocket.Hub
	handler *websocket.Handler
	router  *gin.Engine
	logger  *logger.Logger
}

// NewServer wires the router, the hub, and the WebSocket handler.
func NewServer(cfg *config.ServerConfig, eng websocket.Engine, log *logger.Logger) *Server {
	hub := websocket.NewHub(log)

	s := &Server{
		cfg:     cfg,
		engine:  eng,
		hub:     hub,
		handler: websocket.NewHandler(hub, eng, log),
		logger:  log.WithFields(zap.String("component", "gateway")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	router.GET("/healthz", s.handleHealth)
	router.GET("/ws", s.handler.HandleConnection)

	api := router.Group("/api/v1")
	api.GET("/sessions", s.handleSessions)
	api.GET("/stats", s.handleStats)

	s.router = router
	return s
}

// Hub returns the WebSocket hub, for attaching the event fanout.
func (s *Server) Hub() *websocket.Hub { return s.hub }

// Router returns the gin router, mostly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves HTTP and the hub loop until ctx is cancelled, then shuts the
// listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.engine.Health()
	status := http.StatusOK
	if !s.engine.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":  s.engine.IsHealthy(),
		"provider": s.engine.Provider(),
		"bridge":   health,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions, err := s.engine.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":      s.engine.Stats(),
		"session_id": s.engine.SessionID(),
		"provider":   s.engine.Provider(),
		"clients":    s.hub.ClientCount(),
	})
}
