// Package websocket fans the engine's event bus out to WebSocket clients and
// accepts the chat control commands they send back.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/common/logger"
)

// Hub owns the set of connected clients. Registration and broadcast flow
// through channels consumed by one run loop; the clients map is only touched
// under the mutex.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run is the hub's processing loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.send(data)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// send delivers one frame to every connected client. A full send buffer
// means the client is too slow; the frame is dropped for it and the write
// pump will notice the closed connection eventually.
func (h *Hub) send(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping frame for slow client", zap.String("client_id", client.ID))
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues one pre-serialized frame for every client. Non-blocking:
// if the hub's queue is full the frame is dropped, so bus dispatch never
// stalls on the gateway.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast queue full, dropping frame")
	}
}

// BroadcastEnvelope serializes and broadcasts one wire message.
func (h *Hub) BroadcastEnvelope(tag string, data any) {
	frame, err := encodeEnvelope(tag, data)
	if err != nil {
		h.logger.Error("encoding broadcast", zap.Error(err))
		return
	}
	h.Broadcast(frame)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
