package interfaces

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/aperio/internal/models"
)

// MetricsService aggregates service counters. It double-publishes: a JSON
// snapshot (with bounded history) and a Prometheus registry.
type MetricsService interface {
	// Snapshot builds the current JSON view, including live per-status counts
	// from storage.
	Snapshot(ctx context.Context) (*models.MetricsSnapshot, error)

	// History returns recorded snapshots, oldest first.
	History() *models.MetricsHistory

	// PrometheusHandler serves the Prometheus exposition format.
	PrometheusHandler() http.Handler

	// Recording hooks
	ObserveHTTPRequest(method, path string, status int, duration time.Duration)
	JobAdmitted(priority models.JobPriority)
	JobTerminal(status models.JobStatus, processingSeconds float64)
	DownloadFinished(outcome string, bytes int64, duration time.Duration)
	TranscodeFinished(outcome string, duration time.Duration)
	SetQueueDepth(depth int)
	SetActiveWorkers(downloads, processing int)
	RetentionCompleted(report *models.RetentionReport)
}
