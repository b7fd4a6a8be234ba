package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/resonance/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/resonance/backend/internal/presence"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Pings are sent with this period; it must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
	inboxSize      = 64
)

var (
	errConnectionClosed = errors.New("server: connection closed")
	errOutboundFull     = errors.New("server: outbound buffer full")
)

// frame is the JSON envelope of every websocket text frame.
type frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *uint64         `json:"id,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	ID    uint64 `json:"id,omitempty"`
}

type ackFrame struct {
	Ack uint64 `json:"ack"`
}

// connection adapts one websocket to presence.Channel.
type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu      sync.Mutex
	lastID  uint64
	waiting map[uint64]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

var _ presence.Channel = (*connection)(nil)

func newConnection(id string, conn *websocket.Conn, logger *zap.Logger) *connection {
	return &connection{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		logger:  logger.With(zap.String("connection_id", id)),
		waiting: make(map[uint64]chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *connection) ID() string {
	return c.id
}

// Notify queues a fire-and-forget frame. It never blocks.
func (c *connection) Notify(event string, payload any) error {
	encoded, err := json.Marshal(outboundFrame{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return c.offer(encoded)
}

// Deliver sends a frame that asks for acknowledgment and waits until the client acknowledges it,
// ctx ends or the connection closes.
func (c *connection) Deliver(ctx context.Context, event string, payload any) presence.Outcome {
	id, acked := c.expectAck()
	defer c.forget(id)

	encoded, err := json.Marshal(outboundFrame{Event: event, Data: payload, ID: id})
	if err != nil {
		c.logger.Error("encode delivery failed", zap.String("event", event), zap.Error(err))
		return presence.OutcomePending
	}
	if err := c.offer(encoded); err != nil {
		c.logger.Debug("delivery not buffered", zap.String("event", event), zap.Error(err))
		return presence.OutcomePending
	}

	select {
	case <-acked:
		return presence.OutcomeAcknowledged
	case <-ctx.Done():
		return presence.OutcomePending
	case <-c.closed:
		return presence.OutcomePending
	}
}

func (c *connection) offer(encoded []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- encoded:
		return nil
	default:
		return errOutboundFull
	}
}

// acknowledge answers an inbound event frame. It waits for buffer space.
func (c *connection) acknowledge(id uint64) {
	encoded, err := json.Marshal(ackFrame{Ack: id})
	if err != nil {
		return
	}
	select {
	case c.send <- encoded:
	case <-c.closed:
	}
}

func (c *connection) expectAck() (uint64, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	acked := make(chan struct{})
	c.waiting[c.lastID] = acked
	return c.lastID, acked
}

func (c *connection) resolve(id uint64) {
	c.mu.Lock()
	acked, ok := c.waiting[id]
	delete(c.waiting, id)
	c.mu.Unlock()
	if ok {
		close(acked)
	} else {
		c.logger.Debug("unexpected acknowledgment", zap.Uint64("ack", id))
	}
}

func (c *connection) forget(id uint64) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// readPump decodes inbound frames until the socket fails. Acknowledgments resolve pending
// deliveries directly; events are handed to inbox in arrival order.
func (c *connection) readPump(inbox chan<- chat.Event) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("binary frame ignored")
			continue
		}

		var inbound frame
		if err := json.Unmarshal(message, &inbound); err != nil {
			c.logger.Debug("malformed frame ignored", zap.Error(err))
			continue
		}
		if inbound.Ack != nil {
			c.resolve(*inbound.Ack)
			continue
		}
		if inbound.Event == "" {
			c.logger.Debug("frame without event ignored")
			continue
		}

		event := chat.Event{Name: inbound.Event, Payload: inbound.Data}
		if inbound.ID != nil {
			id := *inbound.ID
			event.Ack = func() { c.acknowledge(id) }
		}
		select {
		case inbox <- event:
		case <-c.closed:
			return
		}
	}
}

// writePump drains the outbound buffer onto the socket and keeps it alive with pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}
