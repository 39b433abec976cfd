package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

// Hub tracks connected clients and the room each one is attached to, and
// fans messages out to them. Every room gets its own outbox drained by a
// single goroutine, so messages for one room reach each recipient in the
// order they were enqueued, while enqueueing itself never waits on a socket.
type Hub struct {
	// Registered clients by connection id
	clients map[string]*Client

	// Attached clients by room
	rooms map[string]map[string]*Client

	mu sync.RWMutex

	// roomID -> *outbox; each outbox has its own lock so rooms never
	// contend with each other when enqueueing
	outboxes sync.Map

	log     *slog.Logger
	metrics *metrics.Metrics
}

type delivery struct {
	msg    protocol.Message
	only   string // single recipient, empty for the whole room
	except string
}

type outbox struct {
	mu      sync.Mutex
	pending []delivery
	running bool
	// closed outboxes have left the map; enqueue must fetch a fresh one
	closed bool
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		log:      logger,
		metrics:  m,
	}
}

// Register makes c addressable by its id
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.metrics.Connections.Inc()
	h.log.Debug("client registered", "conn", c.id)
}

// Unregister forgets c and closes it. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		h.detachLocked(c)
	}
	h.mu.Unlock()

	c.Close()
	if ok {
		h.metrics.Connections.Dec()
		h.log.Debug("client unregistered", "conn", c.id)
	}
}

// Attach sets the current room of a registered connection
func (h *Hub) Attach(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	h.detachLocked(c)

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
	}
	members[connID] = c
	c.room = roomID
}

// Detach clears the current room of a connection
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		h.detachLocked(c)
	}
}

func (h *Hub) detachLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// Broadcast queues msg for every client attached to roomID except the one
// named by except (empty means nobody is skipped)
func (h *Hub) Broadcast(roomID string, msg protocol.Message, except string) {
	h.enqueue(roomID, delivery{msg: msg, except: except})
}

// SendTo queues msg for a single client, ordered with the room's broadcasts
func (h *Hub) SendTo(roomID, connID string, msg protocol.Message) {
	h.enqueue(roomID, delivery{msg: msg, only: connID})
}

func (h *Hub) outboxFor(roomID string) *outbox {
	if v, ok := h.outboxes.Load(roomID); ok {
		return v.(*outbox)
	}
	v, _ := h.outboxes.LoadOrStore(roomID, &outbox{})
	return v.(*outbox)
}

func (h *Hub) enqueue(roomID string, d delivery) {
	for {
		ob := h.outboxFor(roomID)
		ob.mu.Lock()
		if ob.closed {
			ob.mu.Unlock()
			continue
		}
		ob.pending = append(ob.pending, d)
		if !ob.running {
			ob.running = true
			go h.drain(roomID, ob)
		}
		ob.mu.Unlock()
		return
	}
}

// drain is the only goroutine delivering for roomID while ob is running
func (h *Hub) drain(roomID string, ob *outbox) {
	for {
		ob.mu.Lock()
		if len(ob.pending) == 0 {
			ob.running = false
			ob.closed = true
			h.outboxes.CompareAndDelete(roomID, ob)
			ob.mu.Unlock()
			return
		}
		batch := ob.pending
		ob.pending = nil
		ob.mu.Unlock()

		for _, d := range batch {
			h.deliver(roomID, d)
		}
	}
}

func (h *Hub) deliver(roomID string, d delivery) {
	data, err := protocol.Encode(d.msg)
	if err != nil {
		h.log.Error("encode outbound message", "room", roomID, "event", d.msg.Event, "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	if d.only != "" {
		if c, ok := h.rooms[roomID][d.only]; ok {
			targets = append(targets, c)
		}
	} else {
		for id, c := range h.rooms[roomID] {
			if id != d.except {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.isClosed() {
			// already on its way out; readPump will unregister it
			continue
		}
		if c.trySend(data) {
			continue
		}
		h.metrics.Dropped.Inc()
		h.log.Warn("dropping slow client", "conn", c.id, "room", roomID, "event", d.msg.Event)
		c.Close()
	}
}

// Flush waits until every queued message has been handed to its clients
func (h *Hub) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if h.idle() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) idle() bool {
	idle := true
	h.outboxes.Range(func(_, v any) bool {
		ob := v.(*outbox)
		ob.mu.Lock()
		idle = !ob.running && len(ob.pending) == 0
		ob.mu.Unlock()
		return idle
	})
	return idle
}

// Shutdown flushes pending messages and closes every client
func (h *Hub) Shutdown(ctx context.Context) {
	if err := h.Flush(ctx); err != nil {
		h.log.Warn("hub flush interrupted", "err", err)
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
	h.log.Info("hub stopped", "clients", len(clients))
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms maps room id to attached client count
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string]int, len(h.rooms))
	for id, members := range h.rooms {
		rooms[id] = len(members)
	}
	return rooms
}
