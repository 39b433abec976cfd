package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/coderoom/internal/metrics"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Fanout delivers messages to the connections attached to a room
type Fanout interface {
	Attach(connID, roomID string)
	Detach(connID string)
	Broadcast(roomID string, msg protocol.Message, except string)
	SendTo(roomID, connID string, msg protocol.Message)
}

type State int

const (
	Connected State = iota
	InRoom
	Left
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case InRoom:
		return "in_room"
	case Left:
		return "left"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is the gateway's record of one participant
type Connection struct {
	ID    string
	Name  string
	Room  string
	State State
}

type record struct {
	Connection
	mu sync.Mutex
}

// Gateway turns per-connection intents into room store operations and
// the notifications that follow them. Notifications are enqueued from the
// store's commit hooks so the fan-out sees them in mutation order.
type Gateway struct {
	store   *room.Store
	fanout  Fanout
	log     *slog.Logger
	metrics *metrics.Metrics

	conns map[string]*record
	mu    sync.RWMutex
}

func NewGateway(store *room.Store, fanout Fanout, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		store:   store,
		fanout:  fanout,
		log:     logger,
		metrics: m,
		conns:   make(map[string]*record),
	}
}

func (g *Gateway) lookup(connID string) *record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[connID]
}

// OnConnect registers a fresh connection
func (g *Gateway) OnConnect(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[connID]; !ok {
		g.conns[connID] = &record{Connection: Connection{ID: connID, State: Connected}}
	}
}

// OnJoin puts the connection in roomID. Joining another room while already
// in one leaves the old room first.
func (g *Gateway) OnJoin(connID, roomID, name string) {
	c := g.lookup(connID)
	if c == nil {
		g.log.Debug("join from unknown connection", "conn", connID)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State {
	case Left, Disconnected:
		return
	case InRoom:
		if c.Room != roomID {
			g.leaveLocked(c)
		}
	}

	res := g.store.Join(roomID, connID, name, func(res room.JoinResult) {
		g.fanout.Attach(connID, roomID)
		if res.Added {
			g.fanout.Broadcast(roomID, protocol.JoinedMessage(res.Name), "")
		}
		g.fanout.Broadcast(roomID, protocol.UserListMessage(res.Names()), "")
		g.fanout.SendTo(roomID, connID, protocol.CodeUpdateMessage(res.Buffer))
		g.fanout.SendTo(roomID, connID, protocol.LanguageUpdateMessage(string(res.Language)))
	})

	c.Room = roomID
	c.Name = res.Name
	c.State = InRoom

	if res.Added && len(res.Roster) == 1 {
		g.metrics.Rooms.Inc()
		g.log.Info("room opened", "room", roomID)
	}
	g.log.Debug("joined", "conn", connID, "room", roomID, "name", res.Name, "participants", len(res.Roster))
}

// activeRoom returns the room an InRoom connection may act on, or "" when
// the intent should be dropped. c.mu must be held.
func (g *Gateway) activeRoom(c *record, roomID string) string {
	if c.State != InRoom {
		return ""
	}
	if roomID != "" && roomID != c.Room {
		g.log.Debug("intent for another room dropped", "conn", c.ID, "room", roomID, "current", c.Room)
		return ""
	}
	return c.Room
}

// OnEdit replaces the shared buffer and relays it to everyone but the author
func (g *Gateway) OnEdit(connID, roomID, code string) {
	c := g.lookup(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := g.activeRoom(c, roomID)
	if current == "" {
		return
	}

	err := g.store.ApplyEdit(current, code, func(room.State) {
		g.fanout.Broadcast(current, protocol.CodeUpdateMessage(code), connID)
	})
	g.dropNotFound(err, "edit", current)
}

// OnLanguageChange replaces the room language and relays it to everyone
// but the author. Tags outside the supported set become DefaultLanguage.
func (g *Gateway) OnLanguageChange(connID, roomID, language string) {
	c := g.lookup(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := g.activeRoom(c, roomID)
	if current == "" {
		return
	}

	lang, ok := room.ParseLanguage(language)
	if !ok {
		g.log.Debug("unsupported language mapped to default", "conn", connID, "language", language, "default", lang)
	}

	err := g.store.ApplyLanguage(current, lang, func(room.State) {
		g.fanout.Broadcast(current, protocol.LanguageUpdateMessage(string(lang)), connID)
	})
	g.dropNotFound(err, "language change", current)
}

// OnLeave removes the connection from its room. A leave naming a room the
// connection is not in does nothing. Returns true once the connection is
// finished.
func (g *Gateway) OnLeave(connID, roomID string) bool {
	c := g.lookup(connID)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if g.activeRoom(c, roomID) == "" {
		return false
	}
	g.leaveLocked(c)
	c.State = Left
	return true
}

// OnDisconnect tears the connection down, leaving its room if it has one
func (g *Gateway) OnDisconnect(connID string) {
	g.mu.Lock()
	c, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()

	if ok {
		c.mu.Lock()
		if c.State == InRoom {
			g.leaveLocked(c)
		}
		c.State = Disconnected
		c.mu.Unlock()
	}
	g.fanout.Detach(connID)
}

// leaveLocked must be called with c.mu held and c in a room
func (g *Gateway) leaveLocked(c *record) {
	roomID := c.Room
	res, err := g.store.Leave(roomID, c.ID, func(res room.LeaveResult) {
		g.fanout.Detach(c.ID)
		if !res.Deleted {
			g.fanout.Broadcast(roomID, protocol.UserListMessage(res.Names()), "")
			g.fanout.Broadcast(roomID, protocol.LeftMessage(res.Name), "")
		}
	})
	c.Room = ""

	if err != nil {
		g.fanout.Detach(c.ID)
		g.dropNotFound(err, "leave", roomID)
		return
	}
	if res.Deleted {
		g.metrics.Rooms.Dec()
		g.log.Info("room closed", "room", roomID)
	}
	g.log.Debug("left", "conn", c.ID, "room", roomID, "remaining", len(res.Roster))
}

// dropNotFound logs store misses; a vanished room is not an error for the caller
func (g *Gateway) dropNotFound(err error, op, roomID string) {
	switch {
	case err == nil:
	case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrNotMember):
		g.log.Debug(op+" dropped", "room", roomID, "reason", err)
	default:
		g.log.Error(op+" failed", "room", roomID, "err", err)
	}
}

// Lookup returns a copy of the connection record
func (g *Gateway) Lookup(connID string) (Connection, bool) {
	c := g.lookup(connID)
	if c == nil {
		return Connection{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Connection, true
}

func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}
