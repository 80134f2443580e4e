// Package eventbus fans the engine's contractual lifecycle/round events
// (spec §6) out to in-process subscribers and, optionally, to WebSocket
// observers. It is an ambient observability surface, not a UI: OrderManager,
// DipArbEngine, and RotationScheduler all publish through it, and a test
// or an operator console can subscribe without coupling to any of them.
//
// The broadcast plumbing (register/unregister/broadcast channels, a
// non-blocking send-with-drop to slow consumers, ping/pong keepalive on
// the WS side) is the same shape the dashboard's Hub/Client used to
// fan out DashboardEvents over a websocket — generalized here from a
// fixed set of dashboard-shaped events to the engine's own contractual
// EventName/LifecycleEvent vocabulary.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polyarb/pkg/types"
)

const (
	historyCapacity = 500

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Envelope wraps one lifecycle/round event with the market it belongs to,
// for subscribers that watch more than one market at a time.
type Envelope struct {
	MarketID  string             `json:"marketId"`
	Name      types.EventName    `json:"name"`
	Timestamp time.Time          `json:"timestamp"`
	Event     types.LifecycleEvent `json:"event"`
}

// Hub is the central fan-out point: Publish feeds it, in-process
// Subscribers and WebSocket Clients drain it.
type Hub struct {
	mu         sync.Mutex
	subs       map[chan Envelope]bool
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan Envelope
	history    []Envelope
	logger     *slog.Logger
}

// NewHub constructs an idle Hub. Call Run to start its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:       make(map[chan Envelope]bool),
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan Envelope, 256),
		logger:     logger.With("component", "eventbus"),
	}
}

// Run drains the broadcast channel until done is closed.
// It must run in its own goroutine for the lifetime of the process.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case env := <-h.broadcast:
			h.dispatch(env)
		}
	}
}

func (h *Hub) dispatch(env Envelope) {
	h.mu.Lock()
	h.history = append(h.history, env)
	if len(h.history) > historyCapacity {
		h.history = h.history[len(h.history)-historyCapacity:]
	}

	subs := make([]chan Envelope, 0, len(h.subs))
	for ch := range h.subs {
		subs = append(subs, ch)
	}

	data, err := json.Marshal(env)
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			h.logger.Warn("subscriber channel full, dropping event", "event", env.Name)
		}
	}

	if err != nil {
		h.logger.Error("marshal event for ws relay", "error", err)
		return
	}
	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws client send buffer full, dropping event", "event", env.Name)
		}
	}
}

// Publish delivers one event for marketID to every subscriber. Never
// blocks: when the broadcast buffer is full, this event is logged and
// discarded rather than stalling the publisher (OrderManager/DipArbEngine
// callers must never be blocked by a slow observer).
func (h *Hub) Publish(marketID string, evt types.LifecycleEvent) {
	env := Envelope{MarketID: marketID, Name: evt.Name, Timestamp: time.Now(), Event: evt}
	select {
	case h.broadcast <- env:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", "event", evt.Name)
	}
}

// Subscribe registers an in-process listener and returns its channel plus
// an unsubscribe function. The channel is buffered; a slow subscriber
// misses events rather than blocking the bus.
func (h *Hub) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Envelope, buffer)

	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Snapshot returns the most recent events, oldest first, for a late
// subscriber or a status endpoint — e.g. cmd/engine's optional HTTP
// surface.
func (h *Hub) Snapshot() []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Envelope, len(h.history))
	copy(out, h.history)
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeWS upgrades an HTTP request to a WebSocket relay of every event
// published through the hub from this point forward.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
