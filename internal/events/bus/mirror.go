package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/internal/events"
)

// Envelope is the JSON document published to NATS for each mirrored event.
type Envelope struct {
	ID        string       `json:"id"`
	Type      events.Type  `json:"type"`
	Provider  string       `json:"provider,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Data      events.Event `json:"data"`
}

// Mirror republishes every bus event onto NATS so external consumers
// (recorders, dashboards) can observe a run without holding a WebSocket.
// It is a plain subscriber; the in-process bus contract is unchanged.
type Mirror struct {
	conn   *nats.Conn
	logger *logger.Logger
	sub    *Subscription
}

// NewMirror connects to NATS with reconnection handling.
func NewMirror(cfg config.NATSConfig, log *logger.Logger) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &Mirror{conn: conn, logger: log}, nil
}

// Attach subscribes the mirror to a bus. Publishing happens inline with bus
// dispatch; nats.Conn buffers writes internally, so the handler does not
// block on the network.
func (m *Mirror) Attach(b *Bus) {
	m.sub = b.SubscribeAny(func(e events.Event) {
		meta := e.EventMeta()
		env := Envelope{
			ID:        uuid.New().String(),
			Type:      e.EventType(),
			Provider:  string(meta.Provider),
			Timestamp: meta.Timestamp,
			Data:      e,
		}

		data, err := json.Marshal(env)
		if err != nil {
			m.logger.Error("Failed to marshal mirrored event",
				zap.String("event_type", string(e.EventType())),
				zap.Error(err))
			return
		}

		subject := events.BuildEventSubject(e.EventType(), meta.Provider)
		if err := m.conn.Publish(subject, data); err != nil {
			m.logger.Error("Failed to publish mirrored event",
				zap.String("subject", subject),
				zap.Error(err))
		}
	})
}

// Close detaches from the bus and drains the NATS connection.
func (m *Mirror) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
	if m.conn != nil {
		// Drain flushes pending publishes before closing.
		if err := m.conn.Drain(); err != nil {
			m.logger.Warn("Error draining NATS connection", zap.Error(err))
			m.conn.Close()
		}
		m.logger.Info("NATS connection closed")
	}
}

// IsConnected reports whether the NATS connection is active.
func (m *Mirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}
