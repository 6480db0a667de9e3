// Package stream publishes relation store changes to websocket clients so
// UI collaborators can re-render without polling.
package stream

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/artpar/relsync/internal/relation"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is one state update as sent on the wire.
type Message struct {
	Relation   string `json:"relation"`
	EntityID   string `json:"entityId"`
	Active     bool   `json:"active"`
	Count      int    `json:"count"`
	Processing bool   `json:"processing"`
}

func messageFor(rel string, st relation.State) Message {
	return Message{
		Relation:   rel,
		EntityID:   st.EntityID,
		Active:     st.Active,
		Count:      st.Count,
		Processing: st.Processing,
	}
}

// Config holds hub configuration.
type Config struct {
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration

	// BufferSize is the per-client queue length. Clients that fall this far
	// behind are disconnected.
	BufferSize int

	// CheckOrigin validates the Origin header. Nil accepts same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() *Config {
	return &Config{
		WriteTimeout: 10 * time.Second,
		BufferSize:   256,
	}
}

// Hub fans store changes out to connected websocket clients.
type Hub struct {
	config   *Config
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	stores  []*relation.Store
	closed  bool
}

// NewHub creates a hub. A nil config uses DefaultConfig.
func NewHub(config *Config, logger *zap.Logger) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Attach forwards every change of store to connected clients. New clients
// first receive the current state of every attached store.
func (h *Hub) Attach(store *relation.Store) (detach func()) {
	h.mu.Lock()
	h.stores = append(h.stores, store)
	h.mu.Unlock()

	cancel := store.Subscribe(func(c relation.Change) {
		h.broadcast(messageFor(c.Relation, c.Current))
	})

	return func() {
		cancel()
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.stores {
			if s == store {
				h.stores = append(h.stores[:i], h.stores[i+1:]...)
				break
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams changes until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Message, h.config.BufferSize),
		done: make(chan struct{}),
	}

	// The snapshot is queued under the write lock so no broadcast can land
	// between reading a store and queueing its state.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	queued := h.queueSnapshot(c)
	if !queued {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if !queued {
		h.logger.Warn("stream client too slow, disconnecting")
		c.close()
		return
	}
	h.logger.Debug("stream client connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// queueSnapshot queues the current state of every attached store. Callers
// hold h.mu.
func (h *Hub) queueSnapshot(c *client) bool {
	for _, store := range h.stores {
		snap := store.Snapshot()
		ids := make([]string, 0, len(snap))
		for id := range snap {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !offer(c, messageFor(store.Relation(), snap[id])) {
				return false
			}
		}
	}
	return true
}

func (h *Hub) broadcast(msg Message) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !offer(c, msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("stream client too slow, disconnecting")
		h.remove(c)
	}
}

// offer never blocks; false means the client's queue is full.
func offer(c *client, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				h.remove(c)
				return
			}
		}
	}
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type client struct {
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
