// Package api serves the loopback introspection endpoints: health
// probes, metrics, and the current session view.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tether/internal/health"
	"tether/internal/submit"
)

// SessionSource exposes the current session view. Implemented by the
// submission controller.
type SessionSource interface {
	Snapshot() submit.Session
}

// Handler contains the introspection HTTP handlers.
type Handler struct {
	session SessionSource
	health  *health.Checker
}

// NewHandler creates a new introspection handler.
func NewHandler(session SessionSource, healthChecker *health.Checker) *Handler {
	return &Handler{
		session: session,
		health:  healthChecker,
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the manager backend is reachable, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// Session handles GET /v1/session - the current session snapshot.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		h.writeError(w, http.StatusNotFound, "no session")
		return
	}
	h.writeJSON(w, http.StatusOK, h.session.Snapshot())
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
