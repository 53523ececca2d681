package monitor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"beacon/internal/broker"
	"beacon/internal/logger"
)

// Event is one server push received by the monitor
type Event struct {
	Name string
	Data json.RawMessage
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is a read-mostly broker connection that registers as a script and
// joins the global listener room to observe all routed traffic.
type Client struct {
	deviceID string
	sock     *websocket.Conn
	events   chan Event
	errs     chan error
	logger   zerolog.Logger
}

// Dial connects to a gateway address like "localhost:5000" or a full ws:// URL
func Dial(addr string) (*Client, error) {
	wsURL, err := wsEndpoint(addr)
	if err != nil {
		return nil, err
	}

	sock, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	c := &Client{
		deviceID: "monitor-" + uuid.NewString()[:8],
		sock:     sock,
		events:   make(chan Event, 64),
		errs:     make(chan error, 1),
		logger:   logger.WithComponent("monitor"),
	}

	if err := c.register(); err != nil {
		sock.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// register announces the monitor as a script and joins the listener room
func (c *Client) register() error {
	if err := c.emit(broker.EventNewDevice, broker.NewDevicePkg{
		DeviceID: c.deviceID,
		IsClient: false,
	}); err != nil {
		return fmt.Errorf("failed to register monitor device: %w", err)
	}
	if err := c.emit(broker.EventJoinRoom, broker.RoomPkg{Room: broker.GlobalListenerRoom}); err != nil {
		return fmt.Errorf("failed to join listener room: %w", err)
	}
	return nil
}

// DeviceID returns the monitor's own device id
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Events returns the stream of server pushes
func (c *Client) Events() <-chan Event {
	return c.events
}

// Errs reports the terminal read error, if any
func (c *Client) Errs() <-chan error {
	return c.errs
}

// RequestDevices asks for a fresh directory push
func (c *Client) RequestDevices() error {
	return c.emit(broker.EventGetDevices, struct{}{})
}

// Close tears the connection down
func (c *Client) Close() error {
	return c.sock.Close()
}

func (c *Client) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.sock.WriteJSON(envelope{Event: event, Data: data})
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			c.errs <- err
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed frame")
			continue
		}

		c.events <- Event{Name: env.Event, Data: env.Data}
	}
}

// wsEndpoint normalizes an address into a /ws WebSocket URL
func wsEndpoint(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}

	parsed, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid gateway address: %w", err)
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}

	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/ws"
	}

	return parsed.String(), nil
}
