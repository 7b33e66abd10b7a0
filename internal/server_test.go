package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Companyprojects-ux/CLI-Chat/internal/storage"
)

type serverFixture struct {
	store *storage.Store
	core  *Server
	ts    *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := newTestStore(t)
	gate := NewCredentialGate(store, []byte("test-secret-0123456789abcdef01234567"), time.Hour)
	core := NewServer(ServerOptions{
		Store:         store,
		Gate:          gate,
		ModeratorName: "admin",
	})
	core.Start()
	ts := httptest.NewServer(http.HandlerFunc(core.ServeWS))
	t.Cleanup(ts.Close)
	return &serverFixture{store: store, core: core, ts: ts}
}

func (f *serverFixture) createUser(t *testing.T, username, password string) {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := f.store.CreateUser(context.Background(), username, hash, username == "admin"); err != nil {
		t.Fatalf("CreateUser %s: %v", username, err)
	}
}

func (f *serverFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// login connects and authenticates, returning the open connection and the
// issued token.
func (f *serverFixture) login(t *testing.T, username, password string) (*websocket.Conn, string) {
	t.Helper()
	conn := f.dial(t)
	writeFrame(t, conn, AuthRequest{Type: "login", Username: username, Password: password})
	resp := readAuthResponse(t, conn)
	if !resp.Success {
		t.Fatalf("login %s failed: %s", username, resp.Message)
	}
	return conn, resp.Token
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendLine(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	writeFrame(t, conn, map[string]string{"content": line})
}

func readAuthResponse(t *testing.T, conn *websocket.Conn) AuthResponse {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	var resp AuthResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if resp.Type != EventAuthResponse {
		t.Fatalf("expected auth_response, got %s", resp.Type)
	}
	return resp
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return event
}

// awaitEvent reads frames until one satisfies the predicate, skipping
// unrelated traffic like join notices.
func awaitEvent(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	for i := 0; i < 20; i++ {
		event := readEvent(t, conn)
		if match(event) {
			return event
		}
	}
	t.Fatalf("no matching event arrived")
	return Event{}
}

func TestLoginReplaysHistoryAndAnnouncesJoin(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "admin", "modpw")
	fixture.createUser(t, "alice", "hunter2")
	ctx := context.Background()

	seedMessage := func(username, content string, age time.Duration) {
		t.Helper()
		user, err := fixture.store.GetUserByUsername(ctx, username)
		if err != nil {
			t.Fatalf("GetUserByUsername: %v", err)
		}
		if _, err := fixture.store.AppendMessage(ctx, storage.MessageRecord{
			UserID:    user.ID,
			Content:   content,
			Type:      storage.TypeChat,
			Timestamp: time.Now().UTC().Add(-age),
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	seedMessage("admin", "welcome everyone", 2*time.Minute)
	seedMessage("alice", "from before", time.Minute)

	conn, token := fixture.login(t, "alice", "hunter2")
	if token == "" {
		t.Fatalf("expected a token on password login")
	}

	replayed := readEvent(t, conn)
	if replayed.Type != EventChat || replayed.Content != "welcome everyone" {
		t.Fatalf("expected the oldest history row first, got %+v", replayed)
	}
	if replayed.Username != "*admin" {
		t.Fatalf("expected the moderator marker on the replayed row, got %q", replayed.Username)
	}
	second := readEvent(t, conn)
	if second.Content != "from before" || second.Username != "alice" {
		t.Fatalf("unexpected second history row: %+v", second)
	}
	join := awaitEvent(t, conn, func(e Event) bool { return e.Type == EventNotification })
	if join.Content != "joined the chat." || join.Username != "alice" {
		t.Fatalf("unexpected join notice: %+v", join)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "hunter2")

	conn := fixture.dial(t)
	writeFrame(t, conn, AuthRequest{Type: "login", Username: "alice", Password: "wrong"})
	resp := readAuthResponse(t, conn)
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.Message != "Invalid username or password" {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}

func TestTokenReconnect(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "hunter2")

	first, token := fixture.login(t, "alice", "hunter2")
	_ = first.Close()

	conn := fixture.dial(t)
	writeFrame(t, conn, AuthRequest{Type: "token", Token: token})
	resp := readAuthResponse(t, conn)
	if !resp.Success || resp.Username != "alice" {
		t.Fatalf("token reconnect failed: %+v", resp)
	}

	bad := fixture.dial(t)
	writeFrame(t, bad, AuthRequest{Type: "token", Token: "forged"})
	if resp := readAuthResponse(t, bad); resp.Success || resp.Message != "Invalid or expired token" {
		t.Fatalf("unexpected response for a forged token: %+v", resp)
	}
}

func TestUnknownAuthMethod(t *testing.T) {
	fixture := newServerFixture(t)

	conn := fixture.dial(t)
	writeFrame(t, conn, AuthRequest{Type: "carrier-pigeon"})
	resp := readAuthResponse(t, conn)
	if resp.Success || resp.Message != "Invalid authentication method" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatReachesAllClients(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "pw1")
	fixture.createUser(t, "bob", "pw2")

	alice, _ := fixture.login(t, "alice", "pw1")
	bob, _ := fixture.login(t, "bob", "pw2")

	sendLine(t, alice, "hello room")

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		event := awaitEvent(t, conn, func(e Event) bool { return e.Type == EventChat })
		if event.Content != "hello room" || event.Username != "alice" {
			t.Fatalf("%s got unexpected chat: %+v", name, event)
		}
	}
}

func TestWhisperIsPrivate(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "pw1")
	fixture.createUser(t, "bob", "pw2")
	fixture.createUser(t, "carol", "pw3")

	alice, _ := fixture.login(t, "alice", "pw1")
	bob, _ := fixture.login(t, "bob", "pw2")
	carol, _ := fixture.login(t, "carol", "pw3")

	sendLine(t, alice, "/whisper bob the secret")

	whisper := awaitEvent(t, bob, func(e Event) bool { return e.Type == EventWhisper })
	if whisper.Content != "the secret" || whisper.Username != "alice" {
		t.Fatalf("unexpected whisper: %+v", whisper)
	}
	confirm := awaitEvent(t, alice, func(e Event) bool { return e.Type == EventCommandResponse })
	if !strings.Contains(confirm.Content, "Whisper sent to bob") {
		t.Fatalf("unexpected confirmation: %+v", confirm)
	}

	// carol sees chat traffic but never the whisper; flush with a broadcast
	sendLine(t, alice, "public after whisper")
	for {
		event := readEvent(t, carol)
		if event.Type == EventWhisper {
			t.Fatalf("carol must not see the whisper")
		}
		if event.Type == EventChat && event.Content == "public after whisper" {
			break
		}
	}
}

func TestFileRelayOverWire(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "pw1")
	fixture.createUser(t, "bob", "pw2")

	alice, _ := fixture.login(t, "alice", "pw1")
	bob, _ := fixture.login(t, "bob", "pw2")

	sendLine(t, alice, "/file bob notes.txt;aGVsbG8gZmlsZQ==")

	event := awaitEvent(t, bob, func(e Event) bool { return e.Type == EventFile })
	if event.Filename != "notes.txt" || event.Data != "aGVsbG8gZmlsZQ==" {
		t.Fatalf("unexpected file event: %+v", event)
	}
	if event.Hash == "" || event.Size != int64(len("hello file")) {
		t.Fatalf("missing integrity fields: %+v", event)
	}

	confirm := awaitEvent(t, alice, func(e Event) bool { return e.Type == EventCommandResponse })
	if !strings.Contains(confirm.Content, "'notes.txt'") {
		t.Fatalf("unexpected confirmation: %+v", confirm)
	}
}

func TestModeratorDisconnectShutsDown(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "admin", "modpw")
	fixture.createUser(t, "alice", "pw1")

	admin, _ := fixture.login(t, "admin", "modpw")
	alice, _ := fixture.login(t, "alice", "pw1")

	_ = admin.Close()

	notice := awaitEvent(t, alice, func(e Event) bool {
		return e.Type == EventNotification && strings.Contains(e.Content, "shutting down")
	})
	if notice.Content != "Moderator disconnected. Server shutting down." {
		t.Fatalf("unexpected shutdown notice: %q", notice.Content)
	}

	select {
	case <-fixture.core.ModeratorGone():
	case <-time.After(5 * time.Second):
		t.Fatalf("ModeratorGone never closed")
	}
	if fixture.core.State() != StateStopped {
		t.Fatalf("expected the stopped state, got %d", fixture.core.State())
	}

	// the connection should close shortly after the notice
	_ = alice.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}
}

func TestQuitDeliversGoodbyeBeforeClose(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "pw1")

	alice, _ := fixture.login(t, "alice", "pw1")

	sendLine(t, alice, "/quit")

	goodbye := awaitEvent(t, alice, func(e Event) bool { return e.Type == EventCommandResponse })
	if goodbye.Content != "Goodbye!" {
		t.Fatalf("unexpected quit acknowledgement: %+v", goodbye)
	}

	_ = alice.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected a normal close frame, got %v", err)
			}
			break
		}
	}
}

func TestRegularDisconnectAnnouncesLeave(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createUser(t, "alice", "pw1")
	fixture.createUser(t, "bob", "pw2")

	alice, _ := fixture.login(t, "alice", "pw1")
	bob, _ := fixture.login(t, "bob", "pw2")

	sendLine(t, bob, "/quit")

	leave := awaitEvent(t, alice, func(e Event) bool {
		return e.Type == EventNotification && e.Content == "left the chat."
	})
	if leave.Username != "bob" {
		t.Fatalf("unexpected leave notice: %+v", leave)
	}
}
