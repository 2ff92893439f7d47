package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 65536

	// Outbound queue per connection
	sendBuffer = 256
)

// ErrSlowConsumer means the client's send buffer was full when an event had
// to go out. The connection is closed; a client this far behind cannot
// reconstruct a consistent view from a partial stream.
var ErrSlowConsumer = errors.New("client send buffer full")

// Client is one live websocket connection.
type Client struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	logger  *slog.Logger
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection.
func NewClient(gateway *Gateway, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		gateway: gateway,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		logger:  logger.With("conn_id", id),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// SetCancelFunc sets the context cancel function for cleanup.
func (c *Client) SetCancelFunc(cancel context.CancelFunc) {
	c.cancel = cancel
}

// ReadPump pumps frames from the connection into the gateway. It runs on one
// goroutine per connection, which is what serializes event handling per
// connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.gateway.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Warn("websocket read error", "error", err)
				}
				return
			}

			var env Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				c.sendError("invalid_message", "failed to parse message")
				continue
			}

			c.gateway.HandleEvent(c, &env)
		}
	}
}

// WritePump pumps queued frames to the connection and keeps the ping ticker
// running.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Flush whatever else is queued into the same write
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues an envelope for delivery. A full buffer closes the connection
// with a slow-consumer close frame and returns ErrSlowConsumer.
func (c *Client) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSlowConsumer
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
		c.closed = true
		c.mu.Unlock()
	}

	c.logger.Warn("client cannot keep up, closing", "event", env.Type)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow-consumer"),
		time.Now().Add(writeWait))
	_ = c.conn.Close()
	return ErrSlowConsumer
}

// SendEvent marshals payload and queues it.
func (c *Client) SendEvent(eventType string, payload interface{}) error {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// closeSend marks the client closed and closes the outbound queue, which
// makes WritePump flush a close frame and exit.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) sendError(code, message string) {
	_ = c.SendEvent(EventError, ErrorPayload{Code: code, Message: message})
}

// sendAck replies to a request exactly once.
func (c *Client) sendAck(ackID string, payload AckPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal ack failed", "error", err)
		return
	}
	_ = c.Send(&Envelope{Type: EventAck, AckID: ackID, Payload: data})
}
