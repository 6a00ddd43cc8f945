package channel_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediline/clinic-sync/internal/channel"
	"github.com/mediline/clinic-sync/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer is a minimal push backend: it records tokens and inbound
// frames and can push events to the connected client.
type testServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	tokens []string
	frames []wire.Event
	conns  []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
		ts.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev wire.Event
			if json.Unmarshal(data, &ev) == nil {
				ts.mu.Lock()
				ts.frames = append(ts.frames, ev)
				ts.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) push(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		t.Fatal("no connected client to push to")
	}
	data, err := wire.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("encode push: %v", err)
	}
	conn := ts.conns[len(ts.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (ts *testServer) waitFrames(t *testing.T, n int) []wire.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		if len(ts.frames) >= n {
			out := append([]wire.Event(nil), ts.frames...)
			ts.mu.Unlock()
			return out
		}
		ts.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
	return nil
}

func waitPhase(t *testing.T, c *channel.Connection, want channel.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s, still %s", want, c.Phase())
}

func TestConnectJoinsUserRoomAndPassesToken(t *testing.T) {
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{})

	if err := c.Connect(context.Background(), "token-1", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if c.Phase() != channel.PhaseConnected {
		t.Fatalf("expected connected, got %s", c.Phase())
	}
	if c.UserRoom() != "user:u1" {
		t.Fatalf("expected user room user:u1, got %q", c.UserRoom())
	}

	frames := ts.waitFrames(t, 1)
	if frames[0].Type != wire.TypeJoinUserRoom {
		t.Fatalf("expected %s, got %s", wire.TypeJoinUserRoom, frames[0].Type)
	}
	var p wire.JoinUserRoomPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil || p.UserID != "u1" {
		t.Fatalf("bad join payload: %s (%v)", frames[0].Payload, err)
	}

	ts.mu.Lock()
	token := ts.tokens[0]
	ts.mu.Unlock()
	if token != "token-1" {
		t.Fatalf("expected token-1 on dial, got %q", token)
	}
}

func TestConnectIsIdempotentForSameUser(t *testing.T) {
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{})

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("second Connect should be a no-op, got %v", err)
	}

	ts.mu.Lock()
	dials := len(ts.tokens)
	ts.mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected 1 dial, got %d", dials)
	}
}

func TestConnectRefusesSecondUser(t *testing.T) {
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{})

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "tok", "u2"); err == nil {
		t.Fatal("connecting a second user without disconnecting must fail")
	}
}

func TestConnectFailureIsRecoverable(t *testing.T) {
	var errs []error
	c := channel.New("ws://127.0.0.1:1/ws", channel.Events{
		OnError: func(err error) { errs = append(errs, err) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx, "tok", "u1"); err == nil {
		t.Fatal("expected dial failure")
	}
	if c.Phase() != channel.PhaseDisconnected {
		t.Fatalf("expected disconnected after failure, got %s", c.Phase())
	}
	if len(errs) == 0 {
		t.Fatal("expected OnError to be emitted")
	}

	// The caller can retry against a now-working endpoint.
	ts := newTestServer(t)
	c2 := channel.New(ts.url(), channel.Events{})
	if err := c2.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("retry connect: %v", err)
	}
	c2.Disconnect()
}

func TestInboundEventsReachCallback(t *testing.T) {
	events := make(chan wire.Event, 8)
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{
		OnEvent: func(ev wire.Event) { events <- ev },
	})

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	ts.waitFrames(t, 1)

	ts.push(t, wire.TypeMessageNew, wire.NewMessagePayload{
		ID:             "m-1",
		ConversationID: "c-1",
		AuthorID:       "u2",
		Content:        "hi",
		CreatedAt:      time.Now().UTC(),
	})

	select {
	case ev := <-events:
		if ev.Type != wire.TypeMessageNew {
			t.Fatalf("expected message.new, got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event never delivered")
	}
}

func TestJoinRoomWhileDisconnectedReplaysOnConnect(t *testing.T) {
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{})

	c.JoinRoom("conversation:c-9")

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	frames := ts.waitFrames(t, 2)
	var sawConv bool
	for _, f := range frames {
		if f.Type == wire.TypeJoinConversation {
			var p wire.JoinConversationPayload
			if json.Unmarshal(f.Payload, &p) == nil && p.ConversationID == "c-9" {
				sawConv = true
			}
		}
	}
	if !sawConv {
		t.Fatalf("queued room join was not replayed: %+v", frames)
	}
}

func TestServerDropEmitsDisconnected(t *testing.T) {
	disconnected := make(chan struct{}, 1)
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{
		OnDisconnected: func() { disconnected <- struct{}{} },
	})

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ts.waitFrames(t, 1)

	ts.mu.Lock()
	ts.conns[0].Close()
	ts.mu.Unlock()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}
	waitPhase(t, c, channel.PhaseDisconnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := channel.New(ts.url(), channel.Events{})

	c.Disconnect() // never connected

	if err := c.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	c.Disconnect()

	if c.Phase() != channel.PhaseDisconnected {
		t.Fatalf("expected disconnected, got %s", c.Phase())
	}
	if c.UserRoom() != "" {
		t.Fatalf("user room must clear on disconnect, got %q", c.UserRoom())
	}
}
