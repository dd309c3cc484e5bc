package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomcast/backend/internal/emitter"
	"github.com/roomcast/backend/internal/logging"
	"github.com/roomcast/backend/internal/store"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Consecutive lag events tolerated before the connection is dropped.
	lagThreshold = 3
	// Maximum frame size accepted from the peer; the stream is outbound-only.
	maxInboundFrameSize = 512
)

// gatewayConn is the subset of *websocket.Conn the delivery loop writes to.
type gatewayConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// GatewayHandler upgrades authorized clients to a WebSocket and streams a
// room's broadcast feed to them.
type GatewayHandler struct {
	store    *store.Store
	registry *emitter.Registry
	upgrader websocket.Upgrader
}

// NewGatewayHandler creates a GatewayHandler over the given store and
// registry.
func NewGatewayHandler(st *store.Store, registry *emitter.Registry) *GatewayHandler {
	return &GatewayHandler{
		store:    st,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origins are already constrained by the CORS layer;
			// tokens, not origins, gate the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve authenticates and authorizes the connection request, upgrades it, and
// runs the delivery loop until the connection ends.
func (h *GatewayHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roomID, err := uuid.Parse(r.URL.Query().Get("room_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		logging.LogSecurityEvent(ctx, logging.SecurityEventMissingAuth, "missing gateway token")
		writeError(w, http.StatusUnauthorized, "unauthorized user")
		return
	}

	user, err := h.store.ResolveIdentity(ctx, token)
	if err != nil {
		writeErrorWithCause(ctx, w, http.StatusInternalServerError, "identity lookup failed", err)
		return
	}
	if user == nil {
		logging.LogSecurityEvent(ctx, logging.SecurityEventUnknownToken, "unknown gateway token")
		writeError(w, http.StatusUnauthorized, "unauthorized user")
		return
	}

	room, err := h.store.ResolveRoom(ctx, roomID)
	if err != nil {
		writeErrorWithCause(ctx, w, http.StatusInternalServerError, "room lookup failed", err)
		return
	}
	if room == nil {
		writeError(w, http.StatusBadRequest, "no room exists")
		return
	}
	if !room.Active {
		writeError(w, http.StatusBadRequest, "room closed")
		return
	}

	if !canAccess(room, user) {
		logging.LogSecurityEvent(ctx, logging.SecurityEventForbiddenRoom, "no access to room")
		writeError(w, http.StatusForbidden, "no access")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure response.
		return
	}

	h.registry.Register(roomID)
	sub, err := h.registry.Subscriber(roomID)
	if err != nil {
		// The room was closed between registration and subscription.
		conn.Close()
		return
	}

	slog.Info("gateway connection opened",
		slog.String("room_id", roomID.String()),
		slog.Int64("user_id", user.ID))

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The stream is outbound-only, but a reader must run to process control
	// frames and notice the peer going away.
	conn.SetReadLimit(maxInboundFrameSize)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.deliver(loopCtx, conn, sub, roomID, user.ID)

	slog.Info("gateway connection closed",
		slog.String("room_id", roomID.String()),
		slog.Int64("user_id", user.ID))
}

// canAccess applies the room access rule: the room is public, or it is
// invite-only and the user owns it, or the user has access through the room's
// guild.
func canAccess(room *store.Room, user *store.User) bool {
	if room.IsPublic {
		return true
	}
	if room.InviteOnly && room.OwnerID == user.ID {
		return true
	}
	return room.GuildID != nil && user.GuildAccess[*room.GuildID]
}

// deliver drains the subscription into the connection until the peer goes
// away, the feed closes, or the subscriber lags too far behind. Heartbeat
// probes are consumed here and never forwarded.
func (h *GatewayHandler) deliver(ctx context.Context, conn gatewayConn, sub *emitter.Subscription, roomID uuid.UUID, userID int64) {
	defer func() {
		// Best-effort close handshake on every exit path.
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()
	defer sub.Close()

	lagCount := 0
	for {
		// Drain everything already buffered so bursts go out back to back
		// without a blocking wait between frames.
		drained := false
		for !drained {
			ev, err := sub.TryRecv()
			switch {
			case err == nil:
				if ev.IsHeartbeat() {
					continue
				}
				if writeEvent(conn, ev) != nil {
					return
				}
			case errors.Is(err, emitter.ErrNoEvent):
				drained = true
			default:
				if h.handleFeedError(conn, err, &lagCount, roomID, userID) {
					return
				}
			}
		}

		ev, err := sub.Recv(ctx)
		if err != nil {
			if h.handleFeedError(conn, err, &lagCount, roomID, userID) {
				return
			}
			continue
		}
		if ev.IsHeartbeat() {
			continue
		}
		if writeEvent(conn, ev) != nil {
			return
		}
	}
}

// handleFeedError processes a non-empty receive error. Lag is tolerated up to
// lagThreshold; past that the client is told to disconnect. Any other error
// (feed closed, loop cancelled) terminates the loop.
func (h *GatewayHandler) handleFeedError(conn gatewayConn, err error, lagCount *int, roomID uuid.UUID, userID int64) bool {
	var lag *emitter.LagError
	if !errors.As(err, &lag) {
		return true
	}

	*lagCount++
	slog.Warn("connection lagging behind",
		slog.Int64("user_id", userID),
		slog.String("room_id", roomID.String()),
		slog.Uint64("skipped", lag.Skipped),
		slog.Int("lag_count", *lagCount))

	if *lagCount > lagThreshold {
		slog.Warn("dropping connection after repeated lag",
			slog.Int64("user_id", userID),
			slog.String("room_id", roomID.String()))
		writeEvent(conn, emitter.CloseEvent())
		return true
	}
	return false
}

func writeEvent(conn gatewayConn, ev emitter.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
