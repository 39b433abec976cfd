package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBufferSize    = 256
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Events receives the intents read off a connection
type Events interface {
	OnConnect(connID string)
	OnJoin(connID, roomID, name string)
	OnEdit(connID, roomID, code string)
	OnLanguageChange(connID, roomID, language string)
	// OnLeave reports whether the connection is finished
	OnLeave(connID, roomID string) bool
	OnDisconnect(connID string)
}

var errUnknownEvent = errors.New("unknown event")

type Client struct {
	hub         *Hub
	events      Events
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	rateLimiter *ratelimit.Limiter
	id          string

	// room is owned by hub.mu
	room string
}

func newClient(hub *Hub, events Events, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		events:      events,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		id:          uuid.NewString(),
	}
}

func (c *Client) ID() string { return c.id }

// Close stops the write pump; the read pump notices the closed socket
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// trySend never blocks; false means the client is gone or its buffer is full
func (c *Client) trySend(data []byte) bool {
	if c.isClosed() {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ServeWs upgrades the request and runs the connection until it closes
func ServeWs(hub *Hub, events Events, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := newClient(hub, events, conn)
	hub.Register(client)
	events.OnConnect(client.id)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.events.OnDisconnect(c.id)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", "conn", c.id, "err", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("rate limit exceeded", "conn", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				c.hub.log.Warn("disconnecting client for excessive rate limit violations", "conn", c.id)
				return
			}
			continue
		}

		frame, err := protocol.Decode(message)
		if err != nil {
			c.hub.log.Debug("invalid frame", "conn", c.id, "err", err)
			continue
		}

		finished, err := c.dispatch(frame)
		if err != nil {
			c.hub.log.Debug("rejected frame", "conn", c.id, "event", frame.Event, "err", err)
			continue
		}
		if finished {
			return
		}
	}
}

// dispatch hands one inbound frame to the session layer
func (c *Client) dispatch(f protocol.Frame) (bool, error) {
	switch f.Event {
	case protocol.EventJoinRoom:
		var p protocol.JoinRoom
		if err := f.Payload(&p); err != nil {
			return false, err
		}
		if p.RoomID == "" {
			return false, fmt.Errorf("%s: roomId is required", f.Event)
		}
		c.events.OnJoin(c.id, p.RoomID, p.Username)

	case protocol.EventLeaveRoom:
		var p protocol.LeaveRoom
		if len(f.Data) > 0 {
			if err := f.Payload(&p); err != nil {
				return false, err
			}
		}
		return c.events.OnLeave(c.id, p.RoomID), nil

	case protocol.EventCodeChange:
		var p protocol.CodeChange
		if err := f.Payload(&p); err != nil {
			return false, err
		}
		c.events.OnEdit(c.id, p.RoomID, p.Code)

	case protocol.EventLanguageChange:
		var p protocol.LanguageChange
		if err := f.Payload(&p); err != nil {
			return false, err
		}
		c.events.OnLanguageChange(c.id, p.RoomID, p.Language)

	default:
		return false, fmt.Errorf("%w: %q", errUnknownEvent, f.Event)
	}
	return false, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.flushPending()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushPending writes whatever is still buffered without waiting for more
func (c *Client) flushPending() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
