// Package ws pushes line updates to dashboard clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/robertosilvah/rdtmgr/internal/view"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 32
)

// ConnectedType is the action sent to a client right after it connects. Its
// clientId is what the client passes to the query API.
const ConnectedType = "OnConnect"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Observer is notified when the number of connected clients changes.
type Observer interface {
	ClientsConnected(n int)
	ClientDropped()
}

type nopObserver struct{}

func (nopObserver) ClientsConnected(int) {}
func (nopObserver) ClientDropped()       {}

// Hub tracks websocket clients and fans actions out to them.
type Hub struct {
	log *slog.Logger
	obs Observer

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	realtime map[int64]bool
}

// isRealtime reports whether live pushes for locationID go to the client.
// Locations never queried are realtime.
func (c *client) isRealtime(locationID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.realtime[locationID]
	return !ok || rt
}

// NewHub creates an empty hub. log and obs may be nil.
func NewHub(log *slog.Logger, obs Observer) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Hub{
		log:     log.With("component", "ws"),
		obs:     obs,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection and serves the client until it goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufSize),
		realtime: make(map[int64]bool),
	}
	if hello, err := json.Marshal(view.Action{Type: ConnectedType, Payload: struct{}{}, ClientID: c.id}); err == nil {
		c.send <- hello
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Run closes every connection once ctx is done.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SetRealtime turns live pushes of locationID on or off for a client. It
// reports whether the client is connected.
func (h *Hub) SetRealtime(clientID string, locationID int64, realtime bool) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.realtime[locationID] = realtime
	c.mu.Unlock()
	return true
}

// Publish sends a to every client that is realtime for locationID. Each
// copy carries the receiving client's id. Clients that cannot keep up are
// disconnected.
func (h *Hub) Publish(_ context.Context, locationID int64, a view.Action) error {
	var slow []*client
	h.mu.RLock()
	for _, c := range h.clients {
		if !c.isRealtime(locationID) {
			continue
		}
		a.ClientID = c.id
		data, err := json.Marshal(a)
		if err != nil {
			h.mu.RUnlock()
			return err
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("client too slow, disconnecting", "client", c.id)
		h.obs.ClientDropped()
		h.unregister(c)
	}
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client connected", "client", c.id)
	h.obs.ClientsConnected(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Info("client disconnected", "client", c.id)
		h.obs.ClientsConnected(n)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
	h.obs.ClientsConnected(0)
}

// writePump forwards queued messages and pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects. Clients send
// nothing meaningful.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
