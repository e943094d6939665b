package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Health stays open so the platform's liveness checks need no key.
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/sync/status", h.SyncStatus)
			r.Post("/sync/trigger", h.TriggerSync)
			r.Post("/sync/retry", h.RetrySync)
			r.Get("/sync/queue", h.ListQueue)
		})
	})

	return r
}
