/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the frontend

ROUTES:
  GET|POST /api/exec      Action dispatch (see handlers.go)
  GET      /health        Liveness
  POST     /webhook/stripe Signed gateway deliveries

SECURITY NOTE:
  The action endpoint carries no authentication; callers are identified by
  the uid parameter only. The webhook is authenticated by signature.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. allowedOrigins
// feeds the CORS allow-list; an empty slice allows any origin, matching the
// public-JSONP deployment this API replaces.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/api/exec", h.Exec)
	r.Post("/api/exec", h.Exec)
	r.Get("/health", h.Health)

	if h.WebhookSecret != "" {
		r.Post("/webhook/stripe", h.Webhook)
	}

	return r
}
