package interfaces

import (
	"context"

	"github.com/ternarybob/aperio/internal/models"
)

// SchedulerService owns the dispatch loop: it admits jobs into the priority
// queue, claims them under the capacity permits, and drives each one through
// download and processing to a terminal state.
type SchedulerService interface {
	// Start launches the dispatch loop. Recovery must have completed first.
	Start(ctx context.Context) error

	// Stop drains the loop: no new dispatches, in-flight pipelines are
	// cancelled, and the call returns once all workers exited or ctx expires.
	Stop(ctx context.Context) error

	// Submit enqueues an already-persisted pending job for dispatch. Returns
	// a QueueFull error when the queue is at capacity.
	Submit(ctx context.Context, job *models.Job) error

	// Cancel requests cancellation of a job in any non-terminal state. It
	// returns the record as of the cancellation request; terminal jobs yield
	// a NotInExpectedState error, unknown ids a NotFound error.
	Cancel(ctx context.Context, jobID string) (*models.Job, error)

	// Notify wakes the dispatch loop. Safe from any goroutine; notifications
	// coalesce.
	Notify()

	// QueueDepth reports the number of jobs waiting for dispatch.
	QueueDepth() int

	// ActiveCounts reports jobs currently holding download, processing and
	// total-active permits.
	ActiveCounts() (downloads, processing, total int)
}
