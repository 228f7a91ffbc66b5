package interfaces

import (
	"context"

	"github.com/ternarybob/aperio/internal/models"
)

// RetentionService periodically deletes terminal jobs past the retention
// horizon together with their artifacts.
type RetentionService interface {
	// Start schedules the periodic sweep. A disabled configuration makes
	// Start a no-op.
	Start() error

	// Stop halts the schedule; a sweep in progress finishes.
	Stop()

	// RunOnce executes a single sweep immediately and reports what it did.
	RunOnce(ctx context.Context) (*models.RetentionReport, error)
}
