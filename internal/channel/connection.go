// Package channel owns the persistent websocket push channel to the clinic
// backend: authentication handshake, room membership, and the read/write
// pumps. Reconnection policy lives with the caller; the connection only
// reports what happened.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediline/clinic-sync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
)

// Events are the lifecycle and data callbacks. All are optional and
// informational; none of them may assume a particular goroutine.
type Events struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
	OnEvent        func(ev wire.Event)
}

type Connection struct {
	endpoint string
	dialer   *websocket.Dialer
	events   Events

	mu       sync.Mutex
	phase    Phase
	userID   string
	userRoom string
	rooms    map[string]bool
	conn     *websocket.Conn
	send     chan []byte
	closed   bool
}

func New(endpoint string, events Events) *Connection {
	return &Connection{
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
		events:   events,
		phase:    PhaseDisconnected,
		rooms:    make(map[string]bool),
	}
}

// Connect dials the channel and authenticates with the token. Calling it
// while already connecting or connected for the same user is a no-op. A
// dial failure is reported through OnError and returned; the connection
// stays disconnected until the caller retries.
func (c *Connection) Connect(ctx context.Context, authToken, userID string) error {
	c.mu.Lock()
	if c.phase != PhaseDisconnected {
		if c.userID == userID {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return fmt.Errorf("channel busy with user %s; disconnect first", c.userID)
	}
	c.phase = PhaseConnecting
	c.userID = userID
	c.mu.Unlock()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		c.fail()
		return fmt.Errorf("invalid channel endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", authToken)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.fail()
		c.emitError(fmt.Errorf("channel dial: %w", err))
		return fmt.Errorf("channel dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 256)
	c.closed = false
	c.phase = PhaseConnected
	c.userRoom = wire.UserRoom(userID)
	c.rooms[c.userRoom] = true
	pending := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		pending = append(pending, room)
	}
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	if c.events.OnConnected != nil {
		c.events.OnConnected()
	}

	// Replay memberships so reconnects land back in the same rooms.
	for _, room := range pending {
		c.sendJoin(room)
	}
	return nil
}

// Disconnect tears down the channel and clears the connection state. Safe
// to call when already disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.phase == PhaseDisconnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.teardownLocked()
	c.userID = ""
	c.rooms = make(map[string]bool)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
}

// JoinRoom requests membership in a server-side room. Memberships are
// additive and survive reconnects; a room joined while disconnected is
// requested on the next successful Connect.
func (c *Connection) JoinRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = true
	connected := c.phase == PhaseConnected
	c.mu.Unlock()

	if connected {
		c.sendJoin(roomID)
	}
}

func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// UserRoom returns the joined per-user room id, or "" unless connected.
func (c *Connection) UserRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userRoom
}

func (c *Connection) sendJoin(roomID string) {
	var data []byte
	var err error
	switch {
	case strings.HasPrefix(roomID, "conversation:"):
		data, err = wire.NewEvent(wire.TypeJoinConversation, wire.JoinConversationPayload{
			ConversationID: strings.TrimPrefix(roomID, "conversation:"),
		})
	case strings.HasPrefix(roomID, "user:"):
		data, err = wire.NewEvent(wire.TypeJoinUserRoom, wire.JoinUserRoomPayload{
			UserID: strings.TrimPrefix(roomID, "user:"),
		})
	default:
		err = fmt.Errorf("unknown room id format: %s", roomID)
	}
	if err != nil {
		c.emitError(err)
		return
	}
	c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseConnected || c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("channel send buffer full, dropping frame")
	}
}

func (c *Connection) readPump(conn *websocket.Conn) {
	defer c.lost(conn)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.emitError(fmt.Errorf("channel read: %w", err))
			}
			return
		}

		var ev wire.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("undecodable channel frame", "error", err)
			continue
		}
		switch ev.Type {
		case wire.TypePong:
			// keepalive only
		case wire.TypeError:
			var p wire.ErrorPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				c.emitError(fmt.Errorf("channel error %s: %s", p.Code, p.Message))
			}
		default:
			if c.events.OnEvent != nil {
				c.events.OnEvent(ev)
			}
		}
	}
}

func (c *Connection) writePump(conn *websocket.Conn) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// lost handles a read-pump exit. If the teardown was already performed by
// Disconnect, nothing is emitted a second time.
func (c *Connection) lost(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn || c.phase == PhaseDisconnected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
}

func (c *Connection) fail() {
	c.mu.Lock()
	c.phase = PhaseDisconnected
	c.userRoom = ""
	c.mu.Unlock()
}

func (c *Connection) teardownLocked() {
	c.phase = PhaseDisconnected
	c.userRoom = ""
	c.conn = nil
	if c.send != nil && !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}
