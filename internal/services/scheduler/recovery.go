package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// interruptedMessage is recorded on jobs that were in flight when the
// process died. Work is never resumed mid-phase; the user resubmits.
const interruptedMessage = "interrupted"

// Recover reconciles persisted state with an empty runtime. It must run
// before Start: jobs that were claimed, downloading or processing when the
// previous process died are failed, orphaned working files are removed, and
// the queue is rebuilt from the surviving pending jobs in dispatch order.
func (s *Service) Recover(ctx context.Context) error {
	inflight, err := s.store.ListJobsByStatus(ctx,
		models.JobStatusClaimed, models.JobStatusDownloading, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("recovery scan failed: %w", err)
	}

	active := []models.JobStatus{
		models.JobStatusClaimed, models.JobStatusDownloading, models.JobStatusProcessing,
	}
	message := interruptedMessage
	failed := 0
	for _, job := range inflight {
		_, err := s.store.Transition(ctx, job.ID, active, models.JobStatusFailed,
			&interfaces.JobMutation{ErrorMessage: &message})
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("status", string(job.Status)).
				Msg("Could not fail interrupted job")
			continue
		}
		s.metrics.JobTerminal(models.JobStatusFailed, 0)
		failed++
	}

	// With no job left in flight, nothing in the working directory belongs
	// to a live job.
	swept := s.cleaner.SweepWorkingDir()

	pending, err := s.store.ListJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("recovery queue rebuild failed: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := pending[i].Priority.Rank(), pending[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	queued := 0
	for _, job := range pending {
		if err := s.queue.Push(job.ID, job.Priority); err != nil {
			// Overflow stays pending in the store; the dispatch loop claims
			// it once the queue drains.
			s.logger.Warn().
				Int("queued", queued).
				Int("pending", len(pending)).
				Msg("Queue filled during recovery")
			break
		}
		queued++
	}
	s.metrics.SetQueueDepth(s.queue.Depth())

	s.logger.Info().
		Int("interrupted", failed).
		Int("files_removed", swept.Files).
		Int("requeued", queued).
		Msg("Recovery completed")

	s.Notify()
	return nil
}
