package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps how many buffered events a late subscriber receives.
const catchupLimit = 200

// ringCapacity bounds the per-channel replay buffer. Events beyond this are
// gone; clients needing full history replay the turn over SSE instead.
const ringCapacity = 256

// Hub fans completed step events out to WebSocket subscribers of project
// channels. One Hub per process. It keeps a bounded in-memory ring per
// channel so a client that connects mid-turn can catch up.
type Hub struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// Replay rings: channel → recent raw payloads
	rings  map[string][][]byte
	ringMu sync.Mutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed without a lock. All reads and writes happen on
// the single goroutine that owns this connection (HandleConnection's read
// loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub creates a Hub.
func NewHub(writeTimeout time.Duration) *Hub {
	return &Hub{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		rings:        make(map[string][][]byte),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.registerConnection(c)
	defer h.unregisterConnection(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored — exit read loop.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}

		h.handleClientMessage(c, &msg)
	}
}

// Publish sends a step event to every subscriber of the channel and records
// it in the channel's replay ring.
func (h *Hub) Publish(channel string, ev StepEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal event for hub", "step", ev.Step, "error", err)
		return
	}
	h.record(channel, payload)
	h.broadcast(channel, payload)
}

// ActiveConnections returns the count of active WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		h.subscribe(c, msg.Channel)
		h.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Auto catch-up so late subscribers see the turn so far.
		h.replay(c, msg.Channel)

	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		h.replay(c, msg.Channel)

	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (h *Hub) subscribe(c *Connection, channel string) {
	h.channelMu.Lock()
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.ID] = true
	h.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *Connection, channel string) {
	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// broadcast snapshots subscriber pointers under the locks, then releases
// them before sending. Writes can take up to writeTimeout per connection
// and must not stall register/unregister.
func (h *Hub) broadcast(channel string, payload []byte) {
	h.channelMu.RLock()
	connIDs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := h.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := h.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

func (h *Hub) record(channel string, payload []byte) {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	ring := append(h.rings[channel], payload)
	if len(ring) > ringCapacity {
		ring = ring[len(ring)-ringCapacity:]
	}
	h.rings[channel] = ring
}

// replay sends the channel's buffered events to one connection, in order.
func (h *Hub) replay(c *Connection, channel string) {
	h.ringMu.Lock()
	ring := h.rings[channel]
	buffered := make([][]byte, len(ring))
	copy(buffered, ring)
	h.ringMu.Unlock()

	if len(buffered) > catchupLimit {
		buffered = buffered[len(buffered)-catchupLimit:]
	}
	for _, payload := range buffered {
		if err := h.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}
}

// DropChannel discards the replay ring for a channel. Called when a project
// lock is removed.
func (h *Hub) DropChannel(channel string) {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	delete(h.rings, channel)
}

func (h *Hub) registerConnection(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

func (h *Hub) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (h *Hub) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
