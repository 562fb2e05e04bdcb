package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Engine is the surface the gateway drives. *engine.Engine satisfies it.
type Engine interface {
	Chat(ctx context.Context, prompt string, attachments []types.Attachment) types.Response
	InterruptTurn(ctx context.Context) error
	ClearHistory()
	SwitchProvider(ctx context.Context, p providers.Provider) error
	ResumeSession(ctx context.Context, sessionID string) error
	NewSession(ctx context.Context) error
	RespondPermission(requestID, optionID string, allow bool) bool
	Provider() providers.Provider
	SessionID() string
	ListSessions(ctx context.Context) ([]types.SessionInfo, error)
	Stats() types.Stats
	Health() bridge.Health
	IsHealthy() bool
}

// Client is a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	engine Engine
	send   chan []byte
	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, eng Engine, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		engine: eng,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// command is the wire shape of every client→server message.
type command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReadPump pumps messages from the connection into command handling.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Debug("unparseable client message", zap.Error(err))
			c.sendError("Invalid message format")
			continue
		}
		c.handleCommand(ctx, &cmd)
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type switchRequest struct {
	Provider string `json:"provider"`
}

type resumeRequest struct {
	SessionID string `json:"session_id"`
}

type permissionResponse struct {
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id"`
	Allow     bool   `json:"allow"`
}

// handleCommand dispatches one client command. Long-running operations run
// detached so the read pump keeps servicing pings.
func (c *Client) handleCommand(ctx context.Context, cmd *command) {
	c.logger.Debug("received command", zap.String("type", cmd.Type))

	switch cmd.Type {
	case "chat":
		var req chatRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil || req.Message == "" {
			c.sendError("chat requires a message")
			return
		}
		// Detached: the final Response goes to every client, preserving
		// multi-viewer semantics.
		go func() {
			resp := c.engine.Chat(context.Background(), req.Message, nil)
			c.hub.BroadcastEnvelope("chat_response", resp)
		}()

	case "stop":
		if err := c.engine.InterruptTurn(ctx); err != nil {
			c.sendError(err.Error())
		}

	case "ping":
		c.sendEnvelope("pong", nil)

	case "clear_history":
		c.engine.ClearHistory()
		c.hub.BroadcastEnvelope("history_cleared", nil)

	case "switch":
		var req switchRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			c.sendError("switch requires a provider")
			return
		}
		p, err := providers.Parse(req.Provider)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		go func() {
			if err := c.engine.SwitchProvider(context.Background(), p); err != nil {
				c.sendError(fmt.Sprintf("switch failed: %v", err))
			}
		}()

	case "resume_session":
		var req resumeRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil || req.SessionID == "" {
			c.sendError("resume_session requires a session_id")
			return
		}
		go func() {
			if err := c.engine.ResumeSession(context.Background(), req.SessionID); err != nil {
				c.sendError(fmt.Sprintf("resume failed: %v", err))
			}
		}()

	case "new_session":
		go func() {
			if err := c.engine.NewSession(context.Background()); err != nil {
				c.sendError(fmt.Sprintf("new session failed: %v", err))
			}
		}()

	case "permission_response":
		var req permissionResponse
		if err := json.Unmarshal(cmd.Data, &req); err != nil || req.RequestID == "" {
			c.sendError("permission_response requires a request_id")
			return
		}
		if !c.engine.RespondPermission(req.RequestID, req.OptionID, req.Allow) {
			c.sendError(fmt.Sprintf("no pending permission request %s", req.RequestID))
		}

	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", cmd.Type))
	}
}

// sendEnvelope queues one wire message for this client only.
func (c *Client) sendEnvelope(tag string, data any) {
	frame, err := encodeEnvelope(tag, data)
	if err != nil {
		c.logger.Error("encoding message", zap.Error(err))
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("client send buffer full")
	}
}

func (c *Client) sendError(msg string) {
	c.sendEnvelope("error", map[string]any{"error": msg})
}

// WritePump pumps queued frames to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
