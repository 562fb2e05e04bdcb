package streamjson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/common/logger"
	"github.com/avatar-engine/avatar-engine/pkg/jsonl"
)

// ControlHandler handles inbound control requests (permission asks). It must
// eventually answer via SendControlResponse.
type ControlHandler func(requestID string, req *ControlRequest)

// FrameHandler receives every non-control frame from agent stdout.
type FrameHandler func(frame *Frame)

// pendingRequest tracks an outbound control request awaiting its response.
type pendingRequest struct {
	ch chan *ControlResult
}

// Client speaks the stream-JSON protocol over a child's stdin/stdout. One
// writer at a time touches stdin; the read loop is the only stdout consumer.
type Client struct {
	stdin   io.Writer
	writeMu sync.Mutex

	reader *jsonl.LineReader
	logger *logger.Logger

	mu             sync.RWMutex
	controlHandler ControlHandler
	frameHandler   FrameHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps a child's pipes. Reading does not begin until Start.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		reader:  jsonl.NewLineReader(stdout),
		logger:  log.WithFields(zap.String("component", "streamjson-client")),
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// SetControlHandler sets the handler for inbound control requests.
func (c *Client) SetControlHandler(h ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlHandler = h
}

// SetFrameHandler sets the handler for protocol frames.
func (c *Client) SetFrameHandler(h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameHandler = h
}

// Start launches the read loop. The returned channel closes once the loop is
// consuming stdout.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// SendUserMessage writes one prompt frame.
func (c *Client) SendUserMessage(msg *UserMessage) error {
	if msg.Type == "" {
		msg.Type = FrameTypeUser
	}
	if msg.Message.Role == "" {
		msg.Message.Role = "user"
	}
	return c.send(msg)
}

// SendControlResponse answers an inbound control request.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	if resp.Type == "" {
		resp.Type = FrameTypeControlResponse
	}
	return c.send(resp)
}

// Interrupt sends an interrupt control request and waits for the agent to
// acknowledge it.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	requestID := uuid.New().String()

	pending := &pendingRequest{ch: make(chan *ControlResult, 1)}
	c.pendingMu.Lock()
	c.pending[requestID] = pending
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	req := &outgoingControlRequest{
		Type:      FrameTypeControlRequest,
		RequestID: requestID,
		Request:   controlRequestBody{Subtype: SubtypeInterrupt},
	}
	if err := c.send(req); err != nil {
		return fmt.Errorf("failed to send interrupt: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("interrupt not acknowledged after %v", timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return fmt.Errorf("interrupt failed: %s", resp.Error)
		}
		return nil
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	c.logger.Debug("read loop starting")
	close(ready)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line, err := c.reader.ReadLine()
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err == io.EOF {
			c.logger.Debug("agent stdout closed")
			return
		}
		if err != nil {
			c.logger.Error("read loop error", zap.Error(err))
			return
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		c.logger.Warn("failed to parse frame", zap.Error(err), zap.Int("length", len(line)))
		return
	}

	if frame.Type == FrameTypeControlRequest && frame.Request != nil {
		c.handleControlRequest(frame.RequestID, frame.Request)
		return
	}
	if frame.Type == FrameTypeControlResponse && frame.Response != nil {
		c.handleControlResult(frame.Response)
		return
	}

	c.mu.RLock()
	handler := c.frameHandler
	c.mu.RUnlock()
	if handler != nil {
		frame.Raw = append(json.RawMessage(nil), line...)
		handler(&frame)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.controlHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("control request with no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	if err := c.SendControlResponse(&ControlResponseMessage{
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) handleControlResult(resp *ControlResult) {
	c.pendingMu.Lock()
	pending, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
	}
}
