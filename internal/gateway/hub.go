package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wireMessage is the one shape every client receives over /api/v1/events:
// a derived UI update or a derived log entry, never the raw envelope.
type wireMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// client is a single WebSocket subscriber. It only ever writes: the
// event stream is one-directional (spec.md §6 adds no client->server
// message protocol over this endpoint), so there is no read pump beyond
// the pong/close handshake gorilla/websocket requires.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logging.Logger
}

func newClient(id string, conn *websocket.Conn, hub *Hub, logger *logging.Logger) *client {
	return &client{id: id, conn: conn, send: make(chan []byte, 256), hub: hub, logger: logger}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump exists only to notice the client going away (browsers close
// without a status); any inbound message is discarded.
func (c *client) readPump() {
	defer c.hub.unregister(c)
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub fans UI updates and log entries out to every connected WebSocket
// client. Grounded on the teacher's gateway/websocket.Hub register/
// unregister/broadcast channel loop, simplified from per-task
// subscription routing to a single global stream (spec.md §6's
// GET /api/v1/events has no subscribe/unsubscribe sub-protocol).
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *logging.Logger
}

// NewHub builds a Hub and wires it to bus's UI-update and log-entry
// streams.
func NewHub(bus *eventbus.Bus, logger *logging.Logger) *Hub {
	h := &Hub{clients: make(map[*client]struct{}), logger: logger}
	bus.SubscribeUI(func(up eventbus.UIUpdate) { h.broadcast("ui.update", up) })
	bus.SubscribeLog(func(entry eventbus.LogEntry) { h.broadcast("log.entry", entry) })
	return h
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(msgType string, payload any) {
	data, err := json.Marshal(wireMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.WithError(err).Warn("gateway: failed to marshal wire message")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.logger.WithFields(zap.String("client_id", c.id)).Warn("gateway: client send buffer full, dropping connection")
			h.unregister(c)
		}
	}
}
