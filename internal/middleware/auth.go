// Package middleware provides HTTP middleware for publisher authentication,
// CORS handling, rate limiting, and request context management.
package middleware

import (
	"net/http"
	"strings"

	"github.com/roomcast/backend/internal/crypto"
	"github.com/roomcast/backend/internal/logging"
)

// publisherSalt salts the scrypt digests used for publisher key comparison.
const publisherSalt = "roomcast-publisher"

// PublisherAuthMiddleware guards the privileged publish endpoints with a
// static shared secret presented as a bearer token. When no key is
// configured, every request is rejected.
func PublisherAuthMiddleware(publisherKey string) func(http.Handler) http.Handler {
	var expectedHash string
	if publisherKey != "" {
		hash, err := crypto.HashKey(publisherKey, publisherSalt)
		if err == nil {
			expectedHash = hash
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventMissingAuth, "missing authorization header")
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidAuthFmt, "invalid authorization header format")
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			if expectedHash == "" || !crypto.VerifyKey(parts[1], publisherSalt, expectedHash) {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventBadPublisherKey, "invalid publisher key")
				http.Error(w, `{"error":"invalid publisher key"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
