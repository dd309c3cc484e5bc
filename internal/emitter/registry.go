// Package emitter implements the room broadcast engine: a registry of live
// rooms, a bounded drop-oldest broadcast feed per room, periodic idle-room
// housekeeping, and the serialized shutdown path that removes idle rooms.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRoomNotFound is returned when an operation targets a room id that is not
// present in the registry.
var ErrRoomNotFound = errors.New("no room exists with this id")

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultIdleTickThreshold = 20
	defaultBacklog           = 32
	closeQueueSize           = 64
)

// Config tunes the registry. Zero fields fall back to production defaults:
// a 30s heartbeat, 20 idle ticks (10 minutes) before automatic close, and a
// 32-slot broadcast backlog per room.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTickThreshold int
	Backlog           int
}

// room is a registry entry. The registry map is the sole source of truth for
// room existence; cancel stops the room's housekeeping goroutine and is
// invoked synchronously when the entry is removed.
type room struct {
	startedAt time.Time
	feed      *channel
	cancel    context.CancelFunc
}

// Registry is a concurrent mapping from room id to live room. Producers emit
// events through it, connections subscribe through it, and a single
// coordinator goroutine consumes close requests queued by housekeeping so a
// room is never removed from inside its own housekeeping task.
type Registry struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*room

	heartbeatInterval time.Duration
	idleTickThreshold int
	backlog           int

	closeQueue chan uuid.UUID
	done       chan struct{}
	stopOnce   sync.Once
}

// NewRegistry creates a registry and starts its shutdown coordinator.
func NewRegistry(cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.IdleTickThreshold <= 0 {
		cfg.IdleTickThreshold = defaultIdleTickThreshold
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}

	m := &Registry{
		rooms:             make(map[uuid.UUID]*room),
		heartbeatInterval: cfg.HeartbeatInterval,
		idleTickThreshold: cfg.IdleTickThreshold,
		backlog:           cfg.Backlog,
		closeQueue:        make(chan uuid.UUID, closeQueueSize),
		done:              make(chan struct{}),
	}

	go m.coordinate()

	return m
}

// Register creates the room if it does not exist and starts its housekeeping
// goroutine. Registering an existing room is a no-op: it neither resets the
// room's start time nor spawns a second housekeeping task.
func (m *Registry) Register(roomID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[roomID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &room{
		startedAt: time.Now(),
		feed:      newChannel(m.backlog),
		cancel:    cancel,
	}
	m.rooms[roomID] = r

	go m.housekeep(ctx, roomID, r.feed)

	slog.Info("room registered", slog.String("room_id", roomID.String()))
}

// Subscriber returns a new receive handle on the room's broadcast feed.
func (m *Registry) Subscriber(roomID uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	r, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil, ErrRoomNotFound
	}
	return r.feed.subscribe(), nil
}

// Emit broadcasts the event to every current subscriber of the room and
// returns the live receiver count. Emitting to a room with zero subscribers
// succeeds and returns 0; only an unknown room id is an error.
func (m *Registry) Emit(roomID uuid.UUID, ev Event) (int, error) {
	m.mu.RLock()
	r, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return 0, ErrRoomNotFound
	}

	receivers, err := r.feed.send(ev)
	if err != nil {
		// The room was removed between lookup and send.
		return 0, ErrRoomNotFound
	}

	slog.Info("broadcasting event",
		slog.String("room_id", roomID.String()),
		slog.String("type", ev.Type),
		slog.Int("receivers", receivers))

	return receivers, nil
}

// CloseRoom removes the room from the registry, cancelling its housekeeping
// goroutine and closing its feed. When warnClients is set, the CLOSE sentinel
// is broadcast first on a best-effort basis.
func (m *Registry) CloseRoom(roomID uuid.UUID, warnClients bool) error {
	if warnClients {
		_, _ = m.Emit(roomID, CloseEvent())
	}

	m.mu.Lock()
	r, exists := m.rooms[roomID]
	if !exists {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(m.rooms, roomID)
	// Cancel under the lock so no housekeeping tick can run once the entry
	// is gone.
	r.cancel()
	m.mu.Unlock()

	r.feed.close()

	slog.Info("room closed", slog.String("room_id", roomID.String()))
	return nil
}

// StartedAt returns the room's creation time.
func (m *Registry) StartedAt(roomID uuid.UUID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, exists := m.rooms[roomID]
	if !exists {
		return time.Time{}, ErrRoomNotFound
	}
	return r.startedAt, nil
}

// Shutdown stops the coordinator and closes every room, warning connected
// clients with the CLOSE sentinel.
func (m *Registry) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.CloseRoom(id, true)
	}
}

// coordinate serially consumes close requests queued by housekeeping tasks.
// Routing removal through here keeps a housekeeping goroutine from cancelling
// the registry entry that owns it.
func (m *Registry) coordinate() {
	for {
		select {
		case <-m.done:
			return
		case roomID := <-m.closeQueue:
			if err := m.CloseRoom(roomID, false); err == nil {
				slog.Info("idle room removed", slog.String("room_id", roomID.String()))
			}
		}
	}
}

// housekeep probes the room's feed on a fixed interval until its context is
// cancelled by room removal.
func (m *Registry) housekeep(ctx context.Context, roomID uuid.UUID, feed *channel) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	idleTicks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		if !m.houseTick(roomID, feed, &idleTicks) {
			return
		}
	}
}

// houseTick performs one housekeeping probe: it broadcasts a blank heartbeat
// and updates the idle-tick counter from the live receiver count. Once the
// counter reaches the idle threshold a close request is queued for the
// coordinator; the tick loop itself keeps running until it is cancelled by
// removal. The return value is false when the feed is already closed.
func (m *Registry) houseTick(roomID uuid.UUID, feed *channel, idleTicks *int) bool {
	receivers, err := feed.send(Event{})
	if err != nil {
		// Feed closed by removal; the context cancel is about to land.
		return false
	}

	if receivers > 0 {
		if *idleTicks > 0 {
			slog.Info("room regained subscribers",
				slog.String("room_id", roomID.String()),
				slog.Int("idle_ticks", *idleTicks))
		}
		*idleTicks = 0
		return true
	}

	*idleTicks++
	if *idleTicks == 1 {
		slog.Info("room has no live subscribers", slog.String("room_id", roomID.String()))
	}

	if *idleTicks >= m.idleTickThreshold {
		select {
		case m.closeQueue <- roomID:
		default:
			// Queue full; the request is retried on the next tick.
		}
	}
	return true
}
