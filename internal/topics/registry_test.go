package topics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/shopwired/supportchat/internal/connmgr"
	"github.com/shopwired/supportchat/internal/wire"
)

// testServer records client frames and lets tests push message frames
// down to the registry.
type testServer struct {
	t      *testing.T
	hs     *httptest.Server
	connCh chan *serverConn
}

type serverConn struct {
	ws     *websocket.Conn
	frames chan wire.ClientFrame
	wmu    sync.Mutex
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t, connCh: make(chan *serverConn, 8)}
	ts.hs = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws, frames: make(chan wire.ClientFrame, 64)}
		ts.connCh <- sc
		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var f wire.ClientFrame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			if f.Type == wire.FramePing {
				sc.send(wire.ServerFrame{Type: wire.FramePong})
				continue
			}
			select {
			case sc.frames <- f:
			default:
			}
		}
	}))
	t.Cleanup(ts.hs.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.hs.URL, "http")
}

func (ts *testServer) waitConn() *serverConn {
	ts.t.Helper()
	select {
	case sc := <-ts.connCh:
		return sc
	case <-time.After(3 * time.Second):
		ts.t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (sc *serverConn) send(f wire.ServerFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sc.ws.Write(ctx, websocket.MessageText, data)
}

func (sc *serverConn) sendMessage(topic string, msg wire.ChatMessage) {
	sc.send(wire.ServerFrame{Type: wire.FrameMessage, Topic: topic, Message: &msg})
}

// waitFrame returns the next non-ping client frame of the given type.
func (sc *serverConn) waitFrame(t *testing.T, frameType string) wire.ClientFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-sc.frames:
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
		}
	}
}

// expectNoFrame fails if a frame of the given type arrives within d.
func (sc *serverConn) expectNoFrame(t *testing.T, frameType string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-sc.frames:
			if f.Type == frameType {
				t.Fatalf("unexpected %s frame: %+v", frameType, f)
			}
		case <-deadline:
			return
		}
	}
}

func connectedManager(t *testing.T, ts *testServer) (*connmgr.Manager, *Registry, *serverConn) {
	t.Helper()
	m := connmgr.New(connmgr.Config{
		URL:               ts.url(),
		ReconnectDelay:    30 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
	})
	r := New(m)
	m.Connect("")
	t.Cleanup(m.Disconnect)
	sc := ts.waitConn()
	waitFor(t, func() bool { return m.Connected() }, "never connected")
	return m, r, sc
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func msgAt(conv int64, content string) wire.ChatMessage {
	return wire.ChatMessage{
		ConversationID: conv,
		SenderType:     wire.RoleAdmin,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	_, r, sc := connectedManager(t, ts)

	first := make(chan wire.ChatMessage, 4)
	second := make(chan wire.ChatMessage, 4)
	r.Subscribe("conversation.1", func(m wire.ChatMessage) { first <- m })
	sc.waitFrame(t, wire.FrameSubscribe)

	// Re-subscribing replaces the handler without a second wire frame.
	r.Subscribe("conversation.1", func(m wire.ChatMessage) { second <- m })
	sc.expectNoFrame(t, wire.FrameSubscribe, 150*time.Millisecond)

	sc.sendMessage("conversation.1", msgAt(1, "hello"))

	select {
	case m := <-second:
		if m.Content != "hello" {
			t.Fatalf("content = %q, want hello", m.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler never called")
	}
	select {
	case <-first:
		t.Fatal("old handler still receiving")
	default:
	}
}

func TestPendingSubscribeReplaysOnConnect(t *testing.T) {
	ts := newTestServer(t)
	m := connmgr.New(connmgr.Config{
		URL:               ts.url(),
		ReconnectDelay:    30 * time.Millisecond,
		HeartbeatInterval: 40 * time.Millisecond,
	})
	r := New(m)

	got := make(chan wire.ChatMessage, 4)
	// Subscribed before the socket exists: must not be lost.
	r.Subscribe("conversation.7", func(msg wire.ChatMessage) { got <- msg })

	m.Connect("")
	t.Cleanup(m.Disconnect)
	sc := ts.waitConn()

	f := sc.waitFrame(t, wire.FrameSubscribe)
	if f.Topic != "conversation.7" {
		t.Fatalf("topic = %q, want conversation.7", f.Topic)
	}
	sc.expectNoFrame(t, wire.FrameSubscribe, 150*time.Millisecond)

	// Frames arriving after connection-established reach the handler.
	sc.sendMessage("conversation.7", msgAt(7, "late bind"))
	select {
	case msg := <-got:
		if msg.Content != "late bind" {
			t.Fatalf("content = %q, want late bind", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called after replay")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	ts := newTestServer(t)
	m, r, sc := connectedManager(t, ts)

	hits := make(chan string, 8)
	r.Subscribe("conversation.1", func(msg wire.ChatMessage) { hits <- "a:" + msg.Content })
	r.Subscribe("conversation.2", func(msg wire.ChatMessage) { hits <- "b:" + msg.Content })
	sc.waitFrame(t, wire.FrameSubscribe)
	sc.waitFrame(t, wire.FrameSubscribe)

	// Kill the connection; the manager reconnects and the registry must
	// reissue both subscriptions exactly once.
	_ = sc.ws.Close(websocket.StatusGoingAway, "restart")
	sc2 := ts.waitConn()
	waitFor(t, func() bool { return m.Connected() }, "never reconnected")

	topics := map[string]int{}
	for i := 0; i < 2; i++ {
		f := sc2.waitFrame(t, wire.FrameSubscribe)
		topics[f.Topic]++
	}
	if topics["conversation.1"] != 1 || topics["conversation.2"] != 1 {
		t.Fatalf("resubscribed topics = %v, want each exactly once", topics)
	}
	sc2.expectNoFrame(t, wire.FrameSubscribe, 150*time.Millisecond)

	// No duplicate handlers accumulated: one delivery per frame.
	sc2.sendMessage("conversation.1", msgAt(1, "x"))
	select {
	case h := <-hits:
		if h != "a:x" {
			t.Fatalf("hit = %q, want a:x", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called after reconnect")
	}
	select {
	case h := <-hits:
		t.Fatalf("duplicate delivery: %q", h)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	ts := newTestServer(t)
	_, r, sc := connectedManager(t, ts)

	got := make(chan wire.ChatMessage, 4)
	r.Subscribe("conversation.3", func(m wire.ChatMessage) { got <- m })
	sc.waitFrame(t, wire.FrameSubscribe)

	r.Unsubscribe("conversation.3")
	f := sc.waitFrame(t, wire.FrameUnsubscribe)
	if f.Topic != "conversation.3" {
		t.Fatalf("topic = %q, want conversation.3", f.Topic)
	}

	sc.sendMessage("conversation.3", msgAt(3, "ghost"))
	select {
	case <-got:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUnsubscribeUnknownTopicIsNoOp(t *testing.T) {
	ts := newTestServer(t)
	_, r, sc := connectedManager(t, ts)

	r.Unsubscribe("conversation.404")
	sc.expectNoFrame(t, wire.FrameUnsubscribe, 150*time.Millisecond)
}

func TestUnmatchedTopicFrameIsDropped(t *testing.T) {
	ts := newTestServer(t)
	_, r, sc := connectedManager(t, ts)

	got := make(chan wire.ChatMessage, 4)
	r.Subscribe("conversation.1", func(m wire.ChatMessage) { got <- m })
	sc.waitFrame(t, wire.FrameSubscribe)

	// A frame for a topic nobody subscribed is dropped without
	// disturbing dispatch.
	sc.sendMessage("conversation.999", msgAt(999, "stray"))
	sc.sendMessage("conversation.1", msgAt(1, "mine"))

	select {
	case m := <-got:
		if m.Content != "mine" {
			t.Fatalf("content = %q, want mine", m.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("matched frame never delivered")
	}
}
