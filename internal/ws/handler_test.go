package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dicochat/server/internal/core"
	"dicochat/server/internal/protocol"
	"dicochat/server/internal/store"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestJoinAndChatBroadcast(t *testing.T) {
	_, baseURL := startTestServer(t, Options{})

	alice := connectClient(t, baseURL)
	defer alice.Close()
	joinAs(t, alice, "alice")

	bob := connectClient(t, baseURL)
	defer bob.Close()
	joinAs(t, bob, "bob")

	readUntil(t, alice, func(ev wireEvent) bool {
		return ev.Type == protocol.TypeUserJoined && string(ev.Data) == `"bob"`
	})

	writeTestEvent(t, alice, protocol.TypeSendMessage, protocol.SendMessageRequest{Content: "hi <bob>"})
	got := readUntil(t, bob, func(ev wireEvent) bool { return ev.Type == protocol.TypeChatMessage })

	var msg protocol.ChatMessage
	if err := json.Unmarshal(got.Data, &msg); err != nil {
		t.Fatalf("decode chat message: %v", err)
	}
	if msg.Nickname != "alice" || msg.Content != "hi <bob>" || msg.Reputation != 1 || !msg.GainedReputation {
		t.Fatalf("unexpected chat message: %#v", msg)
	}
	readUntil(t, alice, func(ev wireEvent) bool { return ev.Type == protocol.TypeChatMessage })
}

func TestDuplicateNicknameRejected(t *testing.T) {
	engine, baseURL := startTestServer(t, Options{})

	first := connectClient(t, baseURL)
	defer first.Close()
	joinAs(t, first, "alice")

	second := connectClient(t, baseURL)
	defer second.Close()
	writeTestEvent(t, second, protocol.TypeJoin, protocol.JoinRequest{Nickname: "alice"})
	ev := readUntil(t, second, func(ev wireEvent) bool { return ev.Type == protocol.TypeError })
	if string(ev.Data) != `"`+core.ErrNicknameTaken.Error()+`"` {
		t.Fatalf("unexpected error payload: %s", ev.Data)
	}
	if n := engine.Hub().Presence().Count(); n != 1 {
		t.Fatalf("expected 1 online, got %d", n)
	}

	// The rejected connection stays open and can join under another name.
	joinAs(t, second, "alice2")
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	engine, baseURL := startTestServer(t, Options{})

	alice := connectClient(t, baseURL)
	defer alice.Close()
	joinAs(t, alice, "alice")

	bob := connectClient(t, baseURL)
	joinAs(t, bob, "bob")
	_ = bob.Close()

	readUntil(t, alice, func(ev wireEvent) bool {
		return ev.Type == protocol.TypeUserLeft && string(ev.Data) == `"bob"`
	})
	waitFor(t, func() bool { return !engine.Hub().Presence().IsRegistered("bob") })
}

func TestKickClosesConnection(t *testing.T) {
	engine, baseURL := startTestServer(t, Options{})

	alice := connectClient(t, baseURL)
	defer alice.Close()
	joinAs(t, alice, "alice")

	observer := connectClient(t, baseURL)
	defer observer.Close()
	joinAs(t, observer, "observer")

	if err := engine.Kick(context.Background(), "alice"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	readUntil(t, alice, func(ev wireEvent) bool { return ev.Type == protocol.TypeKicked })

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}

	readUntil(t, observer, func(ev wireEvent) bool {
		return ev.Type == protocol.TypeUserLeft && string(ev.Data) == `"alice"`
	})
	waitFor(t, func() bool { return engine.Hub().ConnCount() == 1 })
}

func TestMalformedEventKeepsConnection(t *testing.T) {
	_, baseURL := startTestServer(t, Options{})

	conn := connectClient(t, baseURL)
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(ev wireEvent) bool { return ev.Type == protocol.TypeError })

	writeTestEvent(t, conn, protocol.TypePing, protocol.Ping{TS: 7})
	ev := readUntil(t, conn, func(ev wireEvent) bool { return ev.Type == protocol.TypePong })
	if string(ev.Data) != `{"ts":7}` {
		t.Fatalf("unexpected pong payload: %s", ev.Data)
	}
}

func TestInboundRateLimit(t *testing.T) {
	_, baseURL := startTestServer(t, Options{InboundRate: rate.Every(time.Hour), InboundBurst: 2})

	conn := connectClient(t, baseURL)
	defer conn.Close()
	for i := 0; i < 3; i++ {
		writeTestEvent(t, conn, protocol.TypePing, protocol.Ping{TS: int64(i)})
	}
	ev := readUntil(t, conn, func(ev wireEvent) bool { return ev.Type == protocol.TypeError })
	if string(ev.Data) != `"rate limit exceeded"` {
		t.Fatalf("unexpected error payload: %s", ev.Data)
	}
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"https://Chat.Example.com", "not a url"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !policy.check(req) {
		t.Fatal("requests without Origin should pass")
	}
	req.Header.Set("Origin", "https://chat.example.com")
	if !policy.check(req) {
		t.Fatal("configured origin should pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if policy.check(req) {
		t.Fatal("unknown origin should be blocked")
	}

	if !newOriginPolicy(nil).check(req) {
		t.Fatal("empty allow-list should allow every origin")
	}
	if !newOriginPolicy([]string{"*"}).check(req) {
		t.Fatal("wildcard should allow every origin")
	}
}

func startTestServer(t *testing.T, opts Options) (*core.Engine, string) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := core.New(core.NewHub(nil, 64), st, core.Options{})
	e := echo.New()
	NewHandler(engine, opts).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return engine, wsURL
}

func connectClient(t *testing.T, baseWSURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func joinAs(t *testing.T, conn *websocket.Conn, nickname string) {
	t.Helper()
	writeTestEvent(t, conn, protocol.TypeJoin, protocol.JoinRequest{Nickname: nickname})
	readUntil(t, conn, func(ev wireEvent) bool { return ev.Type == protocol.TypeInitReputation })
}

func writeTestEvent(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(protocol.Event{Type: typ, Data: data}); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

// readUntil reads events until match returns true. A failed read is fatal
// because gorilla connections cannot be read after an error.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read json: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
