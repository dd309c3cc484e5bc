package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomcast/backend/internal/database"
	"github.com/roomcast/backend/internal/emitter"
	"github.com/roomcast/backend/internal/session"
	"github.com/roomcast/backend/internal/store"
)

type gatewayEnv struct {
	server   *httptest.Server
	registry *emitter.Registry

	publicRoom   uuid.UUID
	closedRoom   uuid.UUID
	ownerRoom    uuid.UUID
	guildRoom    uuid.UUID
	privateRoom  uuid.UUID
	unknownRoom  uuid.UUID
	ownerToken   string
	visitorToken string
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "gateway_test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	sess, err := session.New(db)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	env := &gatewayEnv{
		publicRoom:   uuid.New(),
		closedRoom:   uuid.New(),
		ownerRoom:    uuid.New(),
		guildRoom:    uuid.New(),
		privateRoom:  uuid.New(),
		unknownRoom:  uuid.New(),
		ownerToken:   "owner-token",
		visitorToken: "visitor-token",
	}

	ctx := context.Background()
	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := sess.Exec(ctx, query, args...); err != nil {
			t.Fatalf("seed %q: %v", query, err)
		}
	}

	// Owner (id 1) has guild 7 access; visitor (id 2) has none.
	exec("INSERT INTO users (id, username) VALUES (1, 'owner'), (2, 'visitor')")
	exec("INSERT INTO access_tokens (access_token, user_id) VALUES (?, 1), (?, 2)",
		env.ownerToken, env.visitorToken)
	exec("INSERT INTO user_guilds (user_id, guild_id, allowed) VALUES (1, 7, 1)")

	seedRoom := func(id uuid.UUID, active, isPublic, inviteOnly bool, guildID any) {
		exec(`INSERT INTO rooms (id, owner_id, active, guild_id, invite_only, is_public, title)
			VALUES (?, 1, ?, ?, ?, ?, 'room')`,
			id.String(), active, guildID, inviteOnly, isPublic)
	}
	seedRoom(env.publicRoom, true, true, false, nil)
	seedRoom(env.closedRoom, false, true, false, nil)
	seedRoom(env.ownerRoom, true, false, true, nil)
	seedRoom(env.guildRoom, true, false, false, int64(7))
	seedRoom(env.privateRoom, true, false, false, nil)

	env.registry = emitter.NewRegistry(emitter.Config{})
	t.Cleanup(env.registry.Shutdown)

	handler := NewGatewayHandler(store.New(sess), env.registry)
	env.server = httptest.NewServer(http.HandlerFunc(handler.Serve))
	t.Cleanup(env.server.Close)

	return env
}

func (env *gatewayEnv) dial(t *testing.T, roomID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		fmt.Sprintf("/?room_id=%s&token=%s", roomID, token)
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestGatewayRejections(t *testing.T) {
	env := newGatewayEnv(t)

	tests := []struct {
		name       string
		roomID     string
		token      string
		wantStatus int
	}{
		{"malformed room id", "not-a-uuid", env.ownerToken, http.StatusBadRequest},
		{"missing token", env.publicRoom.String(), "", http.StatusUnauthorized},
		{"unknown token", env.publicRoom.String(), "forged", http.StatusUnauthorized},
		{"unknown room", env.unknownRoom.String(), env.ownerToken, http.StatusBadRequest},
		{"inactive room", env.closedRoom.String(), env.ownerToken, http.StatusBadRequest},
		{"private room no access", env.privateRoom.String(), env.visitorToken, http.StatusForbidden},
		{"invite-only room non-owner", env.ownerRoom.String(), env.visitorToken, http.StatusForbidden},
		{"guild room no guild access", env.guildRoom.String(), env.visitorToken, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := env.dial(t, tt.roomID, tt.token)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake rejection")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestGatewayAuthorizedVariants(t *testing.T) {
	env := newGatewayEnv(t)

	tests := []struct {
		name   string
		roomID uuid.UUID
		token  string
	}{
		{"public room", env.publicRoom, env.visitorToken},
		{"invite-only room owner", env.ownerRoom, env.ownerToken},
		{"guild room with access", env.guildRoom, env.ownerToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := env.dial(t, tt.roomID.String(), tt.token)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			conn.Close()
		})
	}
}

// waitForSubscriber probes the room with heartbeats until the delivery loop
// is attached; heartbeats are never forwarded, so the client stream stays
// clean.
func waitForSubscriber(t *testing.T, registry *emitter.Registry, roomID uuid.UUID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if n, err := registry.Emit(roomID, emitter.Event{}); err == nil && n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("delivery loop never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) emitter.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var ev emitter.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return ev
}

func TestGatewayDeliversEventsInOrder(t *testing.T) {
	env := newGatewayEnv(t)

	conn, _, err := env.dial(t, env.publicRoom.String(), env.visitorToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForSubscriber(t, env.registry, env.publicRoom)

	for _, data := range []string{`"hi"`, `"bye"`} {
		if _, err := env.registry.Emit(env.publicRoom,
			emitter.Event{Type: "chat", Data: json.RawMessage(data)}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	for _, want := range []string{`"hi"`, `"bye"`} {
		ev := readEvent(t, conn)
		if ev.Type != "chat" || string(ev.Data) != want {
			t.Errorf("event = %+v, want chat %s", ev, want)
		}
	}
}

func TestGatewaySendsCloseSentinelOnRoomClose(t *testing.T) {
	env := newGatewayEnv(t)

	conn, _, err := env.dial(t, env.publicRoom.String(), env.visitorToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForSubscriber(t, env.registry, env.publicRoom)

	if err := env.registry.CloseRoom(env.publicRoom, true); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}

	ev := readEvent(t, conn)
	if ev.Type != emitter.EventTypeClose {
		t.Errorf("Type = %q, want %q", ev.Type, emitter.EventTypeClose)
	}
}

// fakeConn gates binary writes so a test can hold the delivery loop mid-write
// while the feed overflows behind it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	gate   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		gate:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.BinaryMessage {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.BinaryMessage {
		c.frames = append(c.frames, append([]byte(nil), data...))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) lastFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func TestDeliverDropsConnectionAfterRepeatedLag(t *testing.T) {
	registry := emitter.NewRegistry(emitter.Config{Backlog: 1})
	t.Cleanup(registry.Shutdown)

	roomID := uuid.New()
	registry.Register(roomID)
	sub, err := registry.Subscriber(roomID)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}

	conn := newFakeConn()
	h := &GatewayHandler{registry: registry}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.deliver(context.Background(), conn, sub, roomID, 1)
	}()

	emitBurst := func() {
		for i := 0; i < 3; i++ {
			if _, err := registry.Emit(roomID,
				emitter.Event{Type: "chat", Data: json.RawMessage(`"x"`)}); err != nil {
				t.Errorf("Emit: %v", err)
			}
		}
	}

	// Each cycle overflows the one-slot backlog while the loop is stuck in a
	// write, then lets one write through; every cycle costs one lag event.
	// After more than three lag events the loop must send CLOSE and exit.
	for i := 0; i < 20; i++ {
		emitBurst()
		select {
		case conn.gate <- struct{}{}:
		case <-conn.closed:
			i = 20
		case <-time.After(2 * time.Second):
			t.Fatal("delivery loop stopped consuming writes")
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery loop did not terminate after repeated lag")
	}

	var last emitter.Event
	if err := json.Unmarshal(conn.lastFrame(), &last); err != nil {
		t.Fatalf("decode last frame: %v", err)
	}
	if last.Type != emitter.EventTypeClose {
		t.Errorf("last frame type = %q, want %q", last.Type, emitter.EventTypeClose)
	}
}
