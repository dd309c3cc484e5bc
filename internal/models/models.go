// Package models defines the request and response payloads of the HTTP API.
package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// PublishEventRequest is the body of the privileged publish endpoint.
type PublishEventRequest struct {
	RoomID uuid.UUID       `json:"room_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// PublishEventResponse reports how many live subscribers received the event.
type PublishEventResponse struct {
	Receivers int `json:"receivers"`
}

// StatusResponse is a minimal acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
