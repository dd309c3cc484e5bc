package emitter

import "encoding/json"

// EventTypeClose is a reserved event type instructing a receiving client to
// terminate its session.
const EventTypeClose = "CLOSE"

// Event is a typed message distributed through a room. Data is an opaque JSON
// value; no schema is enforced beyond the reserved type discriminator.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CloseEvent returns the sentinel event that tells clients to disconnect.
func CloseEvent() Event {
	return Event{Type: EventTypeClose, Data: json.RawMessage("null")}
}

// IsHeartbeat reports whether the event is the blank liveness probe emitted by
// room housekeeping. Heartbeats are never forwarded to clients.
func (e Event) IsHeartbeat() bool {
	return e.Type == ""
}
