// Package livefeed streams presence notifications to browser clients over a
// websocket at /ws. The Hub doubles as a notify.Transport so every dispatched
// notification is also pushed to connected dashboards.
package livefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/notify"
)

// UpdateMessage is one frame sent to websocket clients.
type UpdateMessage struct {
	Type      string      `json:"type"` // "notification"
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan *UpdateMessage
	id   string
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	clientBuffer    = 64
	broadcastBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is served on the LAN next to the REST API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns the set of connected clients. Only the run loop mutates it.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *UpdateMessage
	register   chan *client
	unregister chan *client
	stopChan   chan struct{}
	done       chan struct{}

	mu      sync.RWMutex
	running bool
	count   int

	logger *logger.Logger
}

var _ notify.Transport = (*Hub)(nil)

// NewHub creates an idle hub; call Start before serving clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *UpdateMessage, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.NewComponentLogger("LiveFeed"),
	}
}

// Name implements notify.Transport and the orchestrator's Component.
func (h *Hub) Name() string { return "livefeed" }

// Start launches the hub loop.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.running = true
	go h.run()
	return nil
}

// Stop closes every client connection and ends the hub loop.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopChan)
	<-h.done
	return nil
}

func (h *Hub) run() {
	defer close(h.done)
	h.logger.Info("Starting...")

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.logger.Debug("Client %s registered (total: %d)", c.id, len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
				h.logger.Debug("Client %s unregistered (total: %d)", c.id, len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop it rather than stall everyone else.
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("Client %s removed due to full buffer", c.id)
				}
			}
			h.setCount(len(h.clients))

		case <-h.stopChan:
			h.logger.Info("Stopping...")
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.setCount(0)
			return
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Send implements notify.Transport by broadcasting msg to every client.
func (h *Hub) Send(ctx context.Context, msg notify.Message) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return notify.ErrDisabled
	}

	update := &UpdateMessage{
		Type:      "notification",
		Payload:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case h.broadcast <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		http.Error(w, "live feed disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan *UpdateMessage, clientBuffer), id: uuid.NewString()}
	h.logger.Debug("Client %s connected from %s", c.id, r.RemoteAddr)
	select {
	case h.register <- c:
	case <-h.stopChan:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump only services control frames; clients never send data.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopChan:
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Unexpected close from %s: %v", c.id, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if err := json.NewEncoder(w).Encode(msg); err != nil {
				h.logger.Warn("Error encoding message: %v", err)
			}
			if err := w.Close(); err != nil {
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
