package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/interfaces"
)

// MetricsHandler exposes the JSON snapshot, the Prometheus exposition and
// the snapshot history ring.
type MetricsHandler struct {
	metrics interfaces.MetricsService
	logger  arbor.ILogger
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(metrics interfaces.MetricsService, logger arbor.ILogger) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, logger: logger}
}

// SnapshotHandler serves current counters and gauges as JSON.
// GET /metrics
func (h *MetricsHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	snapshot, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build metrics snapshot")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

// PrometheusHandler serves the text exposition format.
// GET /metrics/prometheus
func (h *MetricsHandler) PrometheusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	h.metrics.PrometheusHandler().ServeHTTP(w, r)
}

// HistoryHandler serves the ring of recent snapshots.
// GET /metrics/history
func (h *MetricsHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.metrics.History())
}
