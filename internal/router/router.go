package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/roomcast/backend/internal/config"
	"github.com/roomcast/backend/internal/emitter"
	"github.com/roomcast/backend/internal/handlers"
	"github.com/roomcast/backend/internal/middleware"
	"github.com/roomcast/backend/internal/store"
)

// New assembles the HTTP routes over the given collaborators.
func New(cfg *config.Config, st *store.Store, registry *emitter.Registry) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewRealIPMiddleware(cfg.TrustedProxies).Handler)
	r.Use(middleware.RequestContextMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))

	// Handlers
	eventsHandler := handlers.NewEventsHandler(registry)
	gatewayHandler := handlers.NewGatewayHandler(st, registry)

	// Rate limiter for connection handshakes
	gatewayRateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	r.Route("/api/v0", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Privileged producer endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.PublisherAuthMiddleware(cfg.PublisherKey))
			r.Post("/events", eventsHandler.Publish)
			r.Delete("/rooms/{id}", eventsHandler.Close)
		})
	})

	r.With(gatewayRateLimiter.Middleware).Get("/ws/v0/gateway", gatewayHandler.Serve)

	return r
}
