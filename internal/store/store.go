// Package store resolves identities and room metadata from the backing
// store. Every lookup goes through the session facade's prepared-statement
// cache, so repeated authorization checks reuse their prepared handles.
package store

import (
	"github.com/roomcast/backend/internal/session"
)

// Store exposes the boundary lookups required by the connection endpoint.
type Store struct {
	session *session.Session
}

// New creates a Store backed by the given session facade.
func New(sess *session.Session) *Store {
	return &Store{session: sess}
}
