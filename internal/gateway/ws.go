package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"beacon/internal/broker"
	"beacon/internal/logger"
)

const (
	// Outbound frames queued per connection before the consumer is dropped
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// envelope is the wire frame: an event name plus its JSON payload
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wsConn adapts one gorilla WebSocket connection to the broker's Conn
// interface. Outbound events are serialized at enqueue time so the broker can
// keep mutating its copies afterwards.
type wsConn struct {
	id     broker.ConnID
	sock   *websocket.Conn
	broker *broker.Broker
	send   chan envelope
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(sock *websocket.Conn, b *broker.Broker) *wsConn {
	id := broker.ConnID(uuid.NewString())
	return &wsConn{
		id:     id,
		sock:   sock,
		broker: b,
		send:   make(chan envelope, sendBufferSize),
		logger: logger.WithComponent("gateway").With().Str("conn_id", string(id)).Logger(),
		closed: make(chan struct{}),
	}
}

// ID returns the connection identity
func (c *wsConn) ID() broker.ConnID {
	return c.id
}

// Send queues an event for delivery. A connection that cannot keep up is
// closed rather than allowed to block the broker.
func (c *wsConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	select {
	case c.send <- envelope{Event: event, Data: data}:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	default:
		c.logger.Warn().Str("event", event).Msg("Send buffer full - dropping connection")
		c.close()
		return errors.New("send buffer full")
	}
}

// run starts the write pump and blocks reading inbound frames until the
// connection dies.
func (c *wsConn) run() {
	go c.writePump()
	c.readPump()
}

func (c *wsConn) readPump() {
	defer func() {
		c.broker.Disconnect(c.id)
		c.close()
	}()

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed frame")
			continue
		}
		if env.Event == "" {
			continue
		}

		c.broker.Dispatch(c, env.Event, env.Data)
	}
}

func (c *wsConn) writePump() {
	defer c.sock.Close()

	for {
		select {
		case env := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(env); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				c.close()
				return
			}
		case <-c.closed:
			c.sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
