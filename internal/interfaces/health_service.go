package interfaces

import (
	"context"

	"github.com/ternarybob/aperio/internal/models"
)

// HealthService probes the service dependencies: database, storage and
// working directories, and the external fetcher and encoder binaries.
type HealthService interface {
	// Summary is the aggregate state for GET /health.
	Summary(ctx context.Context) *models.HealthSummary

	// Detailed runs every probe and reports each result.
	Detailed(ctx context.Context) *models.HealthDetail

	// Ready returns nil once the service can accept work.
	Ready(ctx context.Context) error
}
