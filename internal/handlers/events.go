package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/emitter"
	"github.com/roomcast/backend/internal/models"
)

// EventsHandler serves the privileged event publishing and room close
// endpoints.
type EventsHandler struct {
	registry *emitter.Registry
}

// NewEventsHandler creates an EventsHandler backed by the given registry.
func NewEventsHandler(registry *emitter.Registry) *EventsHandler {
	return &EventsHandler{registry: registry}
}

// Publish broadcasts an event to a room's subscribers. Publishing to a room
// with zero subscribers succeeds; only an unknown room is an error.
func (h *EventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req models.PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.RoomID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "missing room id")
		return
	}
	// The blank type is reserved for housekeeping heartbeats.
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "missing event type")
		return
	}

	receivers, err := h.registry.Emit(req.RoomID, emitter.Event{Type: req.Type, Data: req.Data})
	if err != nil {
		if errors.Is(err, emitter.ErrRoomNotFound) {
			writeError(w, http.StatusBadRequest, "no room exists")
			return
		}
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "emit failed", err)
		return
	}

	writeJSON(w, http.StatusOK, models.PublishEventResponse{Receivers: receivers})
}

// Close removes a room. Clients are warned with the CLOSE sentinel unless the
// warn query parameter is set to false.
func (h *EventsHandler) Close(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	warnClients := r.URL.Query().Get("warn") != "false"

	if err := h.registry.CloseRoom(roomID, warnClients); err != nil {
		if errors.Is(err, emitter.ErrRoomNotFound) {
			writeError(w, http.StatusBadRequest, "no room exists")
			return
		}
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "close failed", err)
		return
	}

	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "ok"})
}
