package server

import (
	"net/http"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job lifecycle
	mux.HandleFunc("/process", s.app.JobHandler.ProcessHandler)  // POST - submit a source URL
	mux.HandleFunc("/status/", s.app.JobHandler.GetStatusHandler) // GET /{id}
	mux.HandleFunc("/jobs", s.app.JobHandler.ListJobsHandler)     // GET - paginated listing
	mux.HandleFunc("/jobs/", s.handleJobItemRoutes)               // DELETE /{id}

	// Processed artifacts
	mux.HandleFunc("/video/", s.app.VideoHandler.DownloadHandler) // GET /{id} - attachment
	mux.HandleFunc("/stream/", s.app.VideoHandler.StreamHandler)  // GET /{id} - inline, range-capable

	// Health probes
	mux.HandleFunc("/health", s.app.HealthHandler.SummaryHandler)
	mux.HandleFunc("/health/detailed", s.app.HealthHandler.DetailedHandler)
	mux.HandleFunc("/health/ready", s.app.HealthHandler.ReadyHandler)
	mux.HandleFunc("/health/live", s.app.HealthHandler.LiveHandler)

	// Metrics
	mux.HandleFunc("/metrics", s.app.MetricsHandler.SnapshotHandler)
	mux.HandleFunc("/metrics/prometheus", s.app.MetricsHandler.PrometheusHandler)
	mux.HandleFunc("/metrics/history", s.app.MetricsHandler.HistoryHandler)

	// Job event stream
	if s.app.Config.WebSocket.Enabled {
		mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)
	}

	// Everything else is an unknown route
	mux.HandleFunc("/", s.notFoundHandler)

	return mux
}

// handleJobItemRoutes routes /jobs/{id} requests. Job records are read via
// /status/{id}; the item path only supports cancellation.
func (s *Server) handleJobItemRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodDelete: s.app.JobHandler.CancelJobHandler,
	})
}

// notFoundHandler answers unmatched paths with the uniform JSON error body.
func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, common.NewError(common.KindNotFound, "route not found"))
}
