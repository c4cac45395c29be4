package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter assembles the route table. It is split from Start so
// tests can drive handlers through httptest without a listener.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.tagRequests, s.logRequests, s.recoveryMiddleware, s.capRequestBodies)

	// Everything here is read-only diagnostics served on loopback, so
	// the surface carries no auth of its own.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/audit", s.handleAudit)
	})

	return r
}

// handleHealth is the liveness probe: 200 means the process is up and
// serving. Anything deeper lives under /status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
