// -----------------------------------------------------------------------
// Last Modified: Friday, 14th August 2026 9:41:07 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aperio/internal/models"
)

// JobMutation carries the field updates applied together with a status
// transition. Nil fields are left untouched.
type JobMutation struct {
	DownloadedPath        *string
	ProcessedPath         *string
	ErrorMessage          *string
	ProcessingTimeSeconds *float64
}

// ListJobsOptions selects one page of jobs, newest first.
type ListJobsOptions struct {
	Page     int
	PageSize int
	Status   *models.JobStatus
}

// JobStorage - interface for job record persistence
type JobStorage interface {
	// CRUD operations
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, opts ListJobsOptions) ([]*models.Job, int, error)
	DeleteJob(ctx context.Context, id string) error

	// Transition is the only way a status changes: an atomic compare-and-set
	// that succeeds iff the current status is one of from. A stale expectation
	// returns a NotInExpectedState error and leaves the record untouched.
	Transition(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, mutation *JobMutation) (*models.Job, error)

	// ClaimPending atomically moves up to limit pending jobs to claimed,
	// ordered by priority then creation time, in a single transaction.
	ClaimPending(ctx context.Context, limit int) ([]*models.Job, error)

	// Scheduler and recovery queries
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	GetActiveJobByURL(ctx context.Context, url string) (*models.Job, error)

	// Retention queries
	ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	// Stats operations
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	Ping(ctx context.Context) error
	DB() interface{}
	Close() error
}
