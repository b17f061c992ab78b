package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Status is the lifecycle state of the orchestrator connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

var statusNames = [...]string{"Disconnected", "Connecting", "Connected", "Reconnecting"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(data []byte) error {
	n, err := decodeEnum(data, statusNames[:])
	if err != nil {
		return fmt.Errorf("connection status: %w", err)
	}
	*s = Status(n)
	return nil
}

// ConnectionState pairs the status with the last transport error, if any.
type ConnectionState struct {
	Status    Status `json:"status"`
	LastError string `json:"lastError,omitempty"`
}

// ErrNotConnected is returned by Invoke while the link is down. Callers surface
// it as a recoverable error; the dial loop keeps retrying on its own.
var ErrNotConnected = errors.New("orchestrator: not connected")

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler consumes the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

// StateListener observes connection-state transitions.
type StateListener func(ConnectionState)

// Config holds the connection settings for a Client.
type Config struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client owns the single duplex websocket to the orchestrator hub. It dials,
// retries forever with exponential backoff, dispatches inbound event frames to
// registered handlers in receipt order, and requests a full state snapshot on
// every (re)connect so dependents never resume on partial history.
type Client struct {
	cfg Config
	log *log.Entry

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     ConnectionState
	handlers  map[string][]Handler
	listeners []StateListener

	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// eventFrame is one inbound push from the hub.
type eventFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// commandFrame is one outbound hub invocation.
type commandFrame struct {
	Invoke string `json:"invoke"`
	Args   []any  `json:"args"`
}

// NewClient creates a disconnected client. Register handlers and listeners
// before calling Start.
func NewClient(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		cfg:      cfg,
		log:      log.WithField("component", "orchestrator"),
		state:    ConnectionState{Status: StatusDisconnected},
		handlers: map[string][]Handler{},
	}
}

// On registers a handler for a named event. Multiple handlers per event are
// invoked in registration order on the read goroutine.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStateChange registers a connection-state listener.
func (c *Client) OnStateChange(l StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start launches the dial loop. It returns immediately; use OnStateChange to
// observe connectivity.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.dialLoop(ctx)
}

// Close tears the connection down and stops the dial loop. Safe to call with
// the link already dead.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.setState(ConnectionState{Status: StatusDisconnected})
}

// Invoke sends one command frame. It fails fast with ErrNotConnected while the
// link is down; it never queues or retries, that policy belongs to callers.
func (c *Client) Invoke(method string, args ...any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if args == nil {
		args = []any{}
	}
	frame, err := json.Marshal(commandFrame{Invoke: method, Args: args})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	return nil
}

// dialLoop connects, consumes until failure, and backs off before redialing.
// Backoff doubles from InitialBackoff up to MaxBackoff and resets after any
// successful connection.
func (c *Client) dialLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.cfg.InitialBackoff
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}

		if everConnected {
			c.setState(ConnectionState{Status: StatusReconnecting, LastError: c.State().LastError})
		} else {
			c.setState(ConnectionState{Status: StatusConnecting})
		}

		connected, err := c.connectAndConsume(ctx)
		if connected {
			// Any successful connection restarts the backoff schedule.
			everConnected = true
			backoff = c.cfg.InitialBackoff
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.WithError(err).Warnf("connection lost, retrying in %s", backoff)
			c.setState(ConnectionState{Status: StatusDisconnected, LastError: err.Error()})

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
	}
}

// connectAndConsume dials once and runs the read loop to completion. The full
// state request goes out before Connected is announced so dependents only see
// the link as live once recovery is already underway. It reports whether
// Connected was announced, which is what the dial loop's backoff keys on.
func (c *Client) connectAndConsume(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.Invoke(MethodRequestFullState); err != nil {
		return false, fmt.Errorf("initial state request: %w", err)
	}

	c.log.Infof("connected to %s", c.cfg.URL)
	c.setState(ConnectionState{Status: StatusConnected})

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(message)
	}
}

// pingLoop keeps the connection alive until the read loop exits.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Malformed frames and unknown events are
// logged and dropped; handlers run serially so stores see events in receipt
// order.
func (c *Client) dispatch(message []byte) {
	var frame eventFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.log.WithError(err).Warn("dropping malformed frame")
		return
	}

	c.mu.RLock()
	handlers := c.handlers[frame.Event]
	c.mu.RUnlock()

	if len(handlers) == 0 {
		c.log.Debugf("no handler for event %q", frame.Event)
		return
	}
	for _, h := range handlers {
		h(frame.Payload)
	}
}

func (c *Client) setState(next ConnectionState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}
