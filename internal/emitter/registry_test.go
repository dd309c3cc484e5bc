package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	m := NewRegistry(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestEmitUnknownRoom(t *testing.T) {
	m := newTestRegistry(t, Config{})

	_, err := m.Emit(uuid.New(), chatEvent("hi"))
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Emit = %v, want ErrRoomNotFound", err)
	}
}

func TestSubscriberUnknownRoom(t *testing.T) {
	m := newTestRegistry(t, Config{})

	if _, err := m.Subscriber(uuid.New()); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Subscriber = %v, want ErrRoomNotFound", err)
	}
}

func TestEmitZeroSubscribersIsNotAnError(t *testing.T) {
	m := newTestRegistry(t, Config{})
	roomID := uuid.New()
	m.Register(roomID)

	n, err := m.Emit(roomID, chatEvent("hi"))
	if err != nil {
		t.Fatalf("Emit = %v, want success with zero subscribers", err)
	}
	if n != 0 {
		t.Errorf("receivers = %d, want 0", n)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := newTestRegistry(t, Config{})
	roomID := uuid.New()

	m.Register(roomID)
	first, err := m.StartedAt(roomID)
	if err != nil {
		t.Fatalf("StartedAt: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.Register(roomID)

	second, err := m.StartedAt(roomID)
	if err != nil {
		t.Fatalf("StartedAt after re-register: %v", err)
	}
	if !second.Equal(first) {
		t.Errorf("re-registration reset startedAt: %v -> %v", first, second)
	}
}

func TestSubscriberReceivesEmitsInOrder(t *testing.T) {
	m := newTestRegistry(t, Config{})
	roomID := uuid.New()
	m.Register(roomID)

	sub, err := m.Subscriber(roomID)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	defer sub.Close()

	if _, err := m.Emit(roomID, Event{Type: "chat", Data: json.RawMessage(`"hi"`)}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if _, err := m.Emit(roomID, Event{Type: "chat", Data: json.RawMessage(`"bye"`)}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	for _, want := range []string{`"hi"`, `"bye"`} {
		ev, err := sub.TryRecv()
		if err != nil {
			t.Fatalf("TryRecv: %v", err)
		}
		if string(ev.Data) != want {
			t.Errorf("Data = %s, want %s", ev.Data, want)
		}
	}
	if _, err := sub.TryRecv(); err != ErrNoEvent {
		t.Errorf("expected exactly two deliveries, next err = %v", err)
	}
}

func TestCloseRoomWithWarningSendsCloseSentinel(t *testing.T) {
	m := newTestRegistry(t, Config{})
	roomID := uuid.New()
	m.Register(roomID)

	sub, err := m.Subscriber(roomID)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	defer sub.Close()

	if err := m.CloseRoom(roomID, true); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}

	ev, err := sub.TryRecv()
	if err != nil {
		t.Fatalf("expected buffered CLOSE sentinel, got %v", err)
	}
	if ev.Type != EventTypeClose {
		t.Errorf("Type = %q, want %q", ev.Type, EventTypeClose)
	}
	if _, err := sub.TryRecv(); err != ErrFeedClosed {
		t.Errorf("TryRecv after drain = %v, want ErrFeedClosed", err)
	}

	if _, err := m.Emit(roomID, chatEvent("late")); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Emit after close = %v, want ErrRoomNotFound", err)
	}
}

func TestCloseRoomUnknown(t *testing.T) {
	m := newTestRegistry(t, Config{})

	if err := m.CloseRoom(uuid.New(), false); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("CloseRoom = %v, want ErrRoomNotFound", err)
	}
}

// newProbeRegistry builds a registry without a running coordinator so tests
// can observe the close queue directly.
func newProbeRegistry(t *testing.T) *Registry {
	t.Helper()
	m := &Registry{
		rooms:             make(map[uuid.UUID]*room),
		heartbeatInterval: time.Hour,
		idleTickThreshold: 20,
		backlog:           defaultBacklog,
		closeQueue:        make(chan uuid.UUID, closeQueueSize),
		done:              make(chan struct{}),
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestHouseTickIdleCounting(t *testing.T) {
	m := newProbeRegistry(t)
	roomID := uuid.New()
	m.Register(roomID)

	feed := m.feedOf(t, roomID)

	idleTicks := 0
	for i := 0; i < 19; i++ {
		if !m.houseTick(roomID, feed, &idleTicks) {
			t.Fatalf("tick %d reported closed feed", i)
		}
	}
	if idleTicks != 19 {
		t.Fatalf("idleTicks = %d, want 19", idleTicks)
	}
	select {
	case id := <-m.closeQueue:
		t.Fatalf("close requested for %s before threshold", id)
	default:
	}

	// The 20th consecutive idle tick queues the close request.
	m.houseTick(roomID, feed, &idleTicks)
	select {
	case id := <-m.closeQueue:
		if id != roomID {
			t.Errorf("queued room = %s, want %s", id, roomID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected close request at the idle threshold")
	}
}

func TestHouseTickResetsOnLiveSubscriber(t *testing.T) {
	m := newProbeRegistry(t)
	roomID := uuid.New()
	m.Register(roomID)

	feed := m.feedOf(t, roomID)

	idleTicks := 0
	for i := 0; i < 10; i++ {
		m.houseTick(roomID, feed, &idleTicks)
	}
	if idleTicks != 10 {
		t.Fatalf("idleTicks = %d, want 10", idleTicks)
	}

	sub, err := m.Subscriber(roomID)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	defer sub.Close()

	m.houseTick(roomID, feed, &idleTicks)
	if idleTicks != 0 {
		t.Errorf("idleTicks = %d after successful heartbeat, want 0", idleTicks)
	}
}

func TestIdleRoomIsRemovedByCoordinator(t *testing.T) {
	m := newTestRegistry(t, Config{
		HeartbeatInterval: 2 * time.Millisecond,
		IdleTickThreshold: 3,
	})
	roomID := uuid.New()
	m.Register(roomID)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := m.StartedAt(roomID); errors.Is(err, ErrRoomNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("idle room was never removed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRoomWithSubscriberStaysOpen(t *testing.T) {
	m := newTestRegistry(t, Config{
		HeartbeatInterval: 2 * time.Millisecond,
		IdleTickThreshold: 3,
	})
	roomID := uuid.New()
	m.Register(roomID)

	sub, err := m.Subscriber(roomID)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	defer sub.Close()

	// Keep the subscription drained so heartbeats never report lag, then
	// verify the room outlives many idle thresholds' worth of ticks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				sub.Recv(context.Background())
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := m.StartedAt(roomID); err != nil {
		t.Errorf("room with a live subscriber was removed: %v", err)
	}
}

func TestShutdownClosesAllRooms(t *testing.T) {
	m := NewRegistry(Config{})
	a, b := uuid.New(), uuid.New()
	m.Register(a)
	m.Register(b)

	sub, err := m.Subscriber(a)
	if err != nil {
		t.Fatalf("Subscriber: %v", err)
	}
	defer sub.Close()

	m.Shutdown()

	ev, err := sub.TryRecv()
	if err != nil || ev.Type != EventTypeClose {
		t.Errorf("expected CLOSE warning on shutdown, got (%v, %v)", ev, err)
	}
	if _, err := m.StartedAt(a); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("room %s survived shutdown", a)
	}
	if _, err := m.StartedAt(b); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("room %s survived shutdown", b)
	}
}

// feedOf reaches into the registry for a room's feed so housekeeping ticks can
// be driven deterministically.
func (m *Registry) feedOf(t *testing.T, roomID uuid.UUID) *channel {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, exists := m.rooms[roomID]
	if !exists {
		t.Fatalf("room %s not registered", roomID)
	}
	return r.feed
}
