// Package wsclient implements a single self-healing WebSocket connection:
// RFC-6455 ping/pong liveness, exponential-backoff reconnect, and an
// observable connection state machine. It has no knowledge of the wire
// protocol carried over the socket — it hands raw frames to a caller-
// supplied callback and lets EventDemux make sense of them.
package wsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is a WsClient connection state. Transitions are observable via
// Config.OnStateChange.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// Config tunes one WsClient instance.
type Config struct {
	URL                  string
	PingInterval         time.Duration // default 30s
	PongTimeout          time.Duration // default 10s
	ReconnectDelay       time.Duration // default 1s, doubled per attempt
	MaxReconnectAttempts int           // default 10
	WriteTimeout         time.Duration // default 10s

	// OnMessage receives every inbound text/binary frame. Called from the
	// client's single read goroutine — must not block.
	OnMessage func(data []byte)
	// OnStateChange is called on every state transition, best-effort.
	OnStateChange func(s State)
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Client maintains one WebSocket connection with reconnect and liveness
// checking. The zero value is not usable; construct via New.
type Client struct {
	cfg    Config
	logger *slog.Logger

	stateMu sync.RWMutex
	state   State

	connMu sync.Mutex
	conn   *websocket.Conn

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc

	lastPongMu sync.Mutex
	lastPong   time.Time
}

// New constructs a WsClient. Connect must be called to start it.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "wsclient", "url", cfg.URL),
		state:  Disconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	changed := c.state != s
	c.state = s
	c.stateMu.Unlock()
	if changed {
		c.logger.Info("state transition", "state", string(s))
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(s)
		}
	}
}

// Connect starts the connection loop in the background and returns at
// once. Idempotent: a second call while already running is a no-op. The
// background loop runs until ctx is cancelled or Disconnect is called.
func (c *Client) Connect(ctx context.Context) {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.runCancel = cancel
	c.runMu.Unlock()

	c.setState(Connecting)
	go c.runLoop(runCtx)
}

// Send writes a text frame. Fails silently (returns nil) if not
// currently connected — callers rely on reconnect re-subscription instead
// of queuing sends across a dead connection.
func (c *Client) Send(data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.logger.Debug("send while disconnected, dropping", "bytes", len(data))
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendJSON marshals and writes v as a text frame.
func (c *Client) SendJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.logger.Debug("sendJSON while disconnected, dropping")
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// Disconnect intentionally closes the connection and disables
// auto-reconnect.
func (c *Client) Disconnect() {
	c.runMu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.running = false
	c.runMu.Unlock()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.setState(Disconnected)
}

func (c *Client) runLoop(ctx context.Context) {
	attempt := 0

	for {
		connected := false
		err := c.connectAndRead(ctx, func() { connected = true; attempt = 0 })
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}
		_ = connected

		c.logger.Warn("websocket disconnected", "error", err, "attempt", attempt)

		if attempt >= c.cfg.MaxReconnectAttempts {
			c.logger.Error("max reconnect attempts exhausted", "attempts", attempt)
			c.setState(Disconnected)
			return
		}

		c.setState(Reconnecting)
		delay := c.cfg.ReconnectDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return
		case <-time.After(delay):
		}
		attempt++
	}
}

func (c *Client) connectAndRead(ctx context.Context, onConnected func()) error {
	c.setState(Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	onConnected()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.lastPongMu.Lock()
	c.lastPong = time.Now()
	c.lastPongMu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.lastPongMu.Lock()
		c.lastPong = time.Now()
		c.lastPongMu.Unlock()
		return nil
	})

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.setState(Connected)
	c.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	pingErrCh := make(chan error, 1)
	go c.pingLoop(pingCtx, pingErrCh)

	readErrCh := make(chan error, 1)
	go c.readLoop(conn, readErrCh)

	select {
	case err := <-pingErrCh:
		return err
	case err := <-readErrCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("read: %w", err)
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	}
}

// pingLoop sends a protocol ping every PingInterval. On each tick it
// declares the connection dead if no pong has arrived for longer than
// PingInterval+PongTimeout. There is no separate per-ping timer, so a pong
// that arrives more than PongTimeout after its ping does not by itself end
// the connection.
func (c *Client) pingLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.lastPongMu.Lock()
			since := time.Since(c.lastPong)
			c.lastPongMu.Unlock()
			if since > c.cfg.PingInterval+c.cfg.PongTimeout {
				errCh <- fmt.Errorf("pong timeout: no pong in %s", since)
				return
			}

			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				errCh <- fmt.Errorf("ping: not connected")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- fmt.Errorf("ping: %w", err)
				return
			}
		}
	}
}
