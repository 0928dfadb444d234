package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/health/", http.RedirectHandler("/api/health", http.StatusMovedPermanently).ServeHTTP)

		r.Get("/auth/me", s.requireAPIKey(s.handleMe))
		r.Post("/auth/regenerate-key", s.requireAPIKey(s.handleRegenerateKey))

		r.Route("/example", func(r chi.Router) {
			r.Get("/test", s.requireAPIKey(s.handleExampleTest))
			r.Post("/trigger-task", s.requireAPIKey(s.handleTriggerTask))
			r.Get("/tasks/{id}", s.requireAPIKey(s.handleGetTask))
		})

		r.Get("/audit", s.requireAPIKey(s.requireStaff(s.handleListAuditLogs)))
	})

	// Sessions authenticate in-band, after the upgrade.
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	return r
}
