// -----------------------------------------------------------------------
// Scheduler - event-driven dispatch of jobs through download and processing
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
	"github.com/ternarybob/aperio/internal/services/cleanup"
)

// terminalWriteTimeout bounds the store write that records a job's terminal
// state. The write runs on a context detached from the pipeline so a
// cancelled job still gets recorded as cancelled.
const terminalWriteTimeout = 10 * time.Second

// Service owns the dispatch loop. A single goroutine blocks on a
// notification channel; admission, worker completion, cancellation and
// recovery each post a notification. On wakeup it drains the channel and
// dispatches queued jobs while permits allow, spawning one pipeline
// goroutine per job. Nothing in here polls.
type Service struct {
	config     *common.SchedulerConfig
	store      interfaces.JobStorage
	downloader interfaces.DownloadService
	transcoder interfaces.TranscodeService
	cleaner    *cleanup.Service
	events     interfaces.EventService
	metrics    interfaces.MetricsService
	logger     arbor.ILogger

	queue  *priorityQueue
	gate   *capacityGate
	tokens *cancelRegistry
	notify chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	started   atomic.Bool
	workers   sync.WaitGroup
}

// NewService creates the scheduler. Start launches the loop; recovery must
// run first so no stale in-flight jobs compete for permits.
func NewService(
	config *common.SchedulerConfig,
	store interfaces.JobStorage,
	downloader interfaces.DownloadService,
	transcoder interfaces.TranscodeService,
	cleaner *cleanup.Service,
	events interfaces.EventService,
	metrics interfaces.MetricsService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:     config,
		store:      store,
		downloader: downloader,
		transcoder: transcoder,
		cleaner:    cleaner,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		queue:      newPriorityQueue(config.MaxQueueSize),
		gate:       newCapacityGate(config.MaxConcurrentDownloads, config.MaxConcurrentProcessing, config.MaxConcurrentJobs),
		tokens:     newCancelRegistry(),
		notify:     make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop and immediately wakes it so anything the
// recovery pass queued gets dispatched.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already started")
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.workers.Add(1)
	go s.loop()

	s.logger.Info().
		Int("max_downloads", s.config.MaxConcurrentDownloads).
		Int("max_processing", s.config.MaxConcurrentProcessing).
		Int("max_jobs", s.config.MaxConcurrentJobs).
		Int("queue_limit", s.config.MaxQueueSize).
		Msg("Scheduler started")

	s.Notify()
	return nil
}

// Stop cancels the loop and every in-flight pipeline, then waits for them to
// record their terminal states. Returns ctx's error if draining outlasts it.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.runCancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop timed out: %w", ctx.Err())
	}
}

// Submit enqueues an already-persisted pending job for dispatch.
func (s *Service) Submit(ctx context.Context, job *models.Job) error {
	if err := s.queue.Push(job.ID, job.Priority); err != nil {
		s.logger.Warn().
			Str("job_id", job.ID).
			Int("depth", s.queue.Depth()).
			Msg("Admission refused, queue full")
		return err
	}

	s.metrics.JobAdmitted(job.Priority)
	s.metrics.SetQueueDepth(s.queue.Depth())
	s.publish(ctx, interfaces.EventJobCreated, job)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("priority", string(job.Priority)).
		Int("depth", s.queue.Depth()).
		Msg("Job queued")

	s.Notify()
	return nil
}

// Cancel requests cancellation. Queued jobs flip straight to cancelled and
// leave the queue; dispatched jobs get their pipeline context cancelled and
// reach cancelled once the worker observes it. Terminal jobs return a
// NotInExpectedState error, unknown ids NotFound.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.Transition(ctx, jobID,
		[]models.JobStatus{models.JobStatusPending, models.JobStatusClaimed},
		models.JobStatusCancelled, nil)
	if err == nil {
		s.queue.Remove(jobID)
		s.metrics.SetQueueDepth(s.queue.Depth())
		s.metrics.JobTerminal(models.JobStatusCancelled, 0)
		s.publish(ctx, interfaces.EventJobStatus, job)
		s.logger.Info().Str("job_id", jobID).Msg("Queued job cancelled")
		s.Notify()
		return job, nil
	}
	if !common.IsKind(err, common.KindNotInExpectedState) {
		return nil, err
	}

	// Past pending: either a pipeline owns the job or it is terminal.
	current, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !current.IsTerminal() && s.tokens.Fire(jobID) {
		s.logger.Info().
			Str("job_id", jobID).
			Str("status", string(current.Status)).
			Msg("Cancellation signalled to running job")
		return current, nil
	}

	// No token left: the pipeline finished in the meantime.
	if !current.IsTerminal() {
		if refreshed, rerr := s.store.GetJob(ctx, jobID); rerr == nil {
			current = refreshed
		}
	}
	return nil, common.NewErrorf(common.KindNotInExpectedState,
		"job is already %s", current.Status)
}

// Notify wakes the dispatch loop. Notifications coalesce: the channel holds
// at most one pending wakeup.
func (s *Service) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of jobs waiting for dispatch.
func (s *Service) QueueDepth() int {
	return s.queue.Depth()
}

// ActiveCounts reports held download, processing and total-active permits.
func (s *Service) ActiveCounts() (downloads, processing, total int) {
	return s.gate.Counts()
}

// loop is the single scheduler goroutine.
func (s *Service) loop() {
	defer s.workers.Done()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.notify:
		}
		s.drainNotifications()
		s.dispatchReady()
	}
}

func (s *Service) drainNotifications() {
	for {
		select {
		case <-s.notify:
		default:
			return
		}
	}
}

// dispatchReady starts queued jobs while both a total-active and a download
// permit are free. Every queued job needs the same permit pair to start, so
// the head of the highest-priority bucket is always the right candidate;
// feasibility never differs between queued jobs.
//
// When the queue is empty the loop falls back to claiming straight from the
// store. Normally that finds nothing; it catches pending rows that never
// made it into the queue, such as overflow left behind by recovery.
func (s *Service) dispatchReady() {
	for s.runCtx.Err() == nil {
		if !s.gate.TryAcquireDispatch() {
			return
		}
		jobID, ok := s.queue.Pop()
		if !ok {
			claimed, err := s.store.ClaimPending(s.runCtx, 1)
			if err != nil || len(claimed) == 0 {
				if err != nil {
					s.logger.Warn().Err(err).Msg("Claim from store failed")
				}
				s.gate.ReleaseDownload()
				s.gate.ReleaseTotal()
				return
			}
			jobID = claimed[0].ID
		}
		s.metrics.SetQueueDepth(s.queue.Depth())
		s.dispatch(jobID)
	}
}

// dispatch moves one job into the download phase. The cancel token is
// registered before the status flips, so a cancellation arriving at any
// point either wins the pending transition or finds a live token.
func (s *Service) dispatch(jobID string) {
	pipeCtx, cancel := context.WithCancel(s.runCtx)
	s.tokens.Register(jobID, cancel)

	job, err := s.store.Transition(s.runCtx, jobID,
		[]models.JobStatus{models.JobStatusPending, models.JobStatusClaimed},
		models.JobStatusDownloading, nil)
	if err != nil {
		// Lost to a concurrent cancellation, or the record is gone. Give the
		// permits back and move on.
		s.tokens.Remove(jobID)
		cancel()
		s.gate.ReleaseDownload()
		s.gate.ReleaseTotal()
		s.logger.Debug().Str("job_id", jobID).Err(err).Msg("Dispatch skipped")
		return
	}

	s.updateWorkerGauge()
	s.publish(s.runCtx, interfaces.EventJobStatus, job)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("url", job.URL).
		Str("priority", string(job.Priority)).
		Msg("Job dispatched")

	s.workers.Add(1)
	go s.runPipeline(pipeCtx, job)
}

// runPipeline drives one job through download and processing to a terminal
// state. It owns the job's total-active permit and releases phase permits as
// each phase exits, whatever the outcome.
func (s *Service) runPipeline(ctx context.Context, job *models.Job) {
	defer s.workers.Done()
	defer s.tokens.Remove(job.ID)

	// Store writes must survive pipeline cancellation: a cancelled job still
	// gets its terminal state recorded.
	storeCtx := context.WithoutCancel(ctx)
	start := time.Now()

	downloaded, err := s.downloader.Download(ctx, job.ID, job.URL)
	s.gate.ReleaseDownload()
	s.updateWorkerGauge()
	if err != nil {
		s.metrics.DownloadFinished(outcomeOf(err), 0, time.Since(start))
		s.finish(storeCtx, job.ID, start, err, nil)
		return
	}
	s.metrics.DownloadFinished("success", downloaded.SizeBytes, time.Since(start))

	if err := s.gate.AcquireProcess(ctx); err != nil {
		s.finish(storeCtx, job.ID, start,
			common.WrapError(common.KindCancelled, "job cancelled", err), nil)
		return
	}
	s.updateWorkerGauge()

	// The processing permit is held before the status flips, so the number
	// of jobs observed as processing never exceeds its cap.
	processing, err := s.store.Transition(storeCtx, job.ID,
		[]models.JobStatus{models.JobStatusDownloading},
		models.JobStatusProcessing, nil)
	if err != nil {
		s.gate.ReleaseProcess()
		s.updateWorkerGauge()
		s.finish(storeCtx, job.ID, start, err, nil)
		return
	}
	s.publish(storeCtx, interfaces.EventJobStatus, processing)

	encodeStart := time.Now()
	result, err := s.transcoder.Transcode(ctx, job.ID, downloaded.Path)
	s.gate.ReleaseProcess()
	s.updateWorkerGauge()
	if err != nil {
		s.metrics.TranscodeFinished(outcomeOf(err), time.Since(encodeStart))
		s.finish(storeCtx, job.ID, start, err, nil)
		return
	}
	s.metrics.TranscodeFinished("success", time.Since(encodeStart))

	s.finish(storeCtx, job.ID, start, nil, result)
}

// finish records the terminal state, clears working files, releases the
// total-active permit and wakes the loop. Exactly one call per dispatched
// job.
func (s *Service) finish(ctx context.Context, jobID string, startedAt time.Time, cause error, result *interfaces.TranscodeResult) {
	writeCtx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
	defer cancel()

	var (
		target   models.JobStatus
		mutation *interfaces.JobMutation
	)
	switch {
	case cause == nil:
		elapsed := time.Since(startedAt).Seconds()
		target = models.JobStatusCompleted
		mutation = &interfaces.JobMutation{
			ProcessedPath:         &result.Path,
			ProcessingTimeSeconds: &elapsed,
		}
	case common.IsKind(cause, common.KindCancelled):
		target = models.JobStatusCancelled
	default:
		reason := common.ReasonOf(cause)
		target = models.JobStatusFailed
		mutation = &interfaces.JobMutation{ErrorMessage: &reason}
	}

	from := []models.JobStatus{models.JobStatusDownloading, models.JobStatusProcessing}
	job, err := s.store.Transition(writeCtx, jobID, from, target, mutation)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("target", string(target)).
			Msg("Terminal transition failed")
	} else {
		seconds := 0.0
		if job.ProcessingTimeSeconds != nil {
			seconds = *job.ProcessingTimeSeconds
		}
		s.metrics.JobTerminal(target, seconds)
		s.publish(writeCtx, interfaces.EventJobStatus, job)

		switch target {
		case models.JobStatusCompleted:
			s.logger.Info().
				Str("job_id", jobID).
				Dur("duration", time.Since(startedAt)).
				Msg("Job completed")
		case models.JobStatusCancelled:
			s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
		default:
			s.logger.Warn().
				Err(cause).
				Str("job_id", jobID).
				Msg("Job failed")
		}
	}

	// The processed file already moved to storage; everything left under the
	// job's working prefix is scratch.
	s.cleaner.RemoveWorkingFiles(jobID)

	s.gate.ReleaseTotal()
	s.updateWorkerGauge()
	s.Notify()
}

func (s *Service) updateWorkerGauge() {
	downloads, processing, _ := s.gate.Counts()
	s.metrics.SetActiveWorkers(downloads, processing)
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, job *models.Job) {
	if err := s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: job}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Event publish failed")
	}
}

// outcomeOf maps an error to the metrics outcome label.
func outcomeOf(err error) string {
	switch common.KindOf(err) {
	case common.KindCancelled:
		return "cancelled"
	case common.KindTimeout:
		return "timeout"
	default:
		return "failure"
	}
}
