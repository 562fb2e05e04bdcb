package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler upgrades HTTP requests into hub clients.
type Handler struct {
	hub    *Hub
	engine Engine
	logger *logger.Logger
}

// NewHandler creates the /ws endpoint handler.
func NewHandler(hub *Hub, eng Engine, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		engine: eng,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and runs the client pumps. The read
// pump runs on the request goroutine; gin keeps it alive until disconnect.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), conn, h.hub, h.engine, h.logger)
	h.hub.Register(client)

	h.logger.Debug("websocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client.sendEnvelope("connected", map[string]any{
		"client_id":  client.ID,
		"provider":   h.engine.Provider(),
		"session_id": h.engine.SessionID(),
	})

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
