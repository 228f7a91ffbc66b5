package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// HealthHandler exposes the dependency probes.
type HealthHandler struct {
	health interfaces.HealthService
	logger arbor.ILogger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(health interfaces.HealthService, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{health: health, logger: logger}
}

// SummaryHandler reports the aggregate state. Degraded still answers 200;
// only an unhealthy service (database down) answers 500.
// GET /health
func (h *HealthHandler) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	summary := h.health.Summary(r.Context())
	WriteJSON(w, healthStatusCode(summary.State), summary)
}

// DetailedHandler reports every probe result.
// GET /health/detailed
func (h *HealthHandler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	detail := h.health.Detailed(r.Context())
	WriteJSON(w, healthStatusCode(detail.State), detail)
}

// ReadyHandler answers 200 once the service can accept work.
// GET /health/ready
func (h *HealthHandler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if err := h.health.Ready(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Readiness probe failed")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// LiveHandler answers 200 while the process serves requests at all.
// GET /health/live
func (h *HealthHandler) LiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func healthStatusCode(state models.HealthState) int {
	if state == models.HealthStateUnhealthy {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
