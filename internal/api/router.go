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

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/system", s.handleSystem)
		r.Get("/device", s.handleDevice)

		// Zone endpoints
		r.Route("/zones", func(r chi.Router) {
			r.Get("/", s.handleListZones)

			r.Route("/{zone}", func(r chi.Router) {
				r.Get("/", s.handleGetZone)
				r.Post("/command", s.handleZoneCommand)
				r.Get("/history", s.handleZoneHistory)
			})
		})

		r.Get("/connection/history", s.handleConnectionHistory)

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"receiver": s.controller.SessionState().String(),
	})
}
