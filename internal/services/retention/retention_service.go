// -----------------------------------------------------------------------
// Retention - periodic purge of terminal jobs past the retention horizon
// -----------------------------------------------------------------------

package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
	"github.com/ternarybob/aperio/internal/services/cleanup"
)

const (
	// initialSweepDelay keeps the first sweep off the startup path while
	// still purging a long-stopped instance's backlog soon after boot.
	initialSweepDelay = time.Minute

	// sweepTimeout bounds one full cycle, storage reads included.
	sweepTimeout = 30 * time.Minute
)

// Service deletes terminal jobs older than the retention horizon together
// with their artifacts. One sweep runs at a time; a trigger that overlaps a
// running sweep is skipped.
type Service struct {
	config  *common.RetentionConfig
	store   interfaces.JobStorage
	cleaner *cleanup.Service
	events  interfaces.EventService
	metrics interfaces.MetricsService
	logger  arbor.ILogger

	cron    *cron.Cron
	initial *time.Timer

	mu       sync.Mutex
	sweeping bool
}

// NewService creates the retention sweeper.
func NewService(
	config *common.RetentionConfig,
	store interfaces.JobStorage,
	cleaner *cleanup.Service,
	events interfaces.EventService,
	metrics interfaces.MetricsService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:  config,
		store:   store,
		cleaner: cleaner,
		events:  events,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start schedules the periodic sweep plus one catch-up sweep shortly after
// boot. Disabled retention starts nothing.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Retention disabled")
		return nil
	}

	interval := time.Duration(s.config.CleanupIntervalHours) * time.Hour
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.sweep); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.cron.Start()
	s.initial = time.AfterFunc(initialSweepDelay, s.sweep)

	s.logger.Info().
		Int("retention_days", s.config.RetentionDays).
		Dur("interval", interval).
		Msg("Retention sweeper started")
	return nil
}

// Stop halts the schedule. A sweep already in progress finishes on its own
// timeout.
func (s *Service) Stop() {
	if s.initial != nil {
		s.initial.Stop()
	}
	s.cron.Stop()
	s.logger.Info().Msg("Retention sweeper stopped")
}

func (s *Service) sweep() {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Warn().Msg("Retention sweep still running, skipping trigger")
		return
	}
	s.sweeping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
	}
}

// RunOnce executes a single sweep. Each expired job is re-read first and
// deleted only if it is terminal at that moment, so a job id reused by a
// racing writer is never swept mid-flight. Artifacts go before the record;
// file failures are logged and never block record deletion.
func (s *Service) RunOnce(ctx context.Context) (*models.RetentionReport, error) {
	start := time.Now()
	cutoff := start.Add(-time.Duration(s.config.RetentionDays) * 24 * time.Hour)

	expired, err := s.store.ListTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}

	report := &models.RetentionReport{
		StartedAt:   start.UTC(),
		JobsScanned: len(expired),
	}

	for _, job := range expired {
		if ctx.Err() != nil {
			s.logger.Warn().
				Int("remaining", report.JobsScanned-report.RecordsDeleted).
				Msg("Retention sweep cut short")
			break
		}

		current, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			if !common.IsKind(err, common.KindNotFound) {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Skipping job, re-read failed")
			}
			continue
		}
		if !current.IsTerminal() {
			continue
		}

		removed := s.cleaner.RemoveJobFiles(job.ID)
		report.FilesDeleted += removed.Files
		report.BytesReclaimed += removed.Bytes

		if err := s.store.DeleteJob(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete expired job record")
			continue
		}
		report.RecordsDeleted++

		if err := s.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobDeleted,
			Payload: current,
		}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Event publish failed")
		}
	}
	report.DurationMS = time.Since(start).Milliseconds()

	s.metrics.RetentionCompleted(report)
	if err := s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventRetentionSweep,
		Payload: report,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Event publish failed")
	}

	s.logger.Info().
		Int("scanned", report.JobsScanned).
		Int("records_deleted", report.RecordsDeleted).
		Int("files_deleted", report.FilesDeleted).
		Int64("bytes_reclaimed", report.BytesReclaimed).
		Dur("duration", time.Since(start)).
		Msg("Retention sweep completed")

	return report, nil
}
