package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
	"github.com/ternarybob/aperio/internal/services/cleanup"
	"github.com/ternarybob/aperio/internal/services/events"
)

// memStore is an in-memory JobStorage with the same compare-and-set
// semantics as the SQLite implementation. It records the peak number of
// jobs observed per status so tests can assert the concurrency caps.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	maxByStatus map[models.JobStatus]int
	maxActive   int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[string]*models.Job),
		maxByStatus: make(map[models.JobStatus]int),
	}
}

func copyJob(job *models.Job) *models.Job {
	dup := *job
	if job.DownloadedPath != nil {
		v := *job.DownloadedPath
		dup.DownloadedPath = &v
	}
	if job.ProcessedPath != nil {
		v := *job.ProcessedPath
		dup.ProcessedPath = &v
	}
	if job.ErrorMessage != nil {
		v := *job.ErrorMessage
		dup.ErrorMessage = &v
	}
	if job.ProcessingTimeSeconds != nil {
		v := *job.ProcessingTimeSeconds
		dup.ProcessingTimeSeconds = &v
	}
	return &dup
}

func (m *memStore) recordPeaksLocked() {
	counts := make(map[models.JobStatus]int)
	active := 0
	for _, job := range m.jobs {
		counts[job.Status]++
		if job.Status.IsActive() {
			active++
		}
	}
	for status, count := range counts {
		if count > m.maxByStatus[status] {
			m.maxByStatus[status] = count
		}
	}
	if active > m.maxActive {
		m.maxActive = active
	}
}

func (m *memStore) peaks() (map[models.JobStatus]int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peaks := make(map[models.JobStatus]int, len(m.maxByStatus))
	for status, count := range m.maxByStatus {
		peaks[status] = count
	}
	return peaks, m.maxActive
}

func (m *memStore) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return common.NewErrorf(common.KindInternal, "job %s already exists", job.ID)
	}
	m.jobs[job.ID] = copyJob(job)
	m.recordPeaksLocked()
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, common.NewErrorf(common.KindNotFound, "job %s not found", id)
	}
	return copyJob(job), nil
}

func (m *memStore) ListJobs(ctx context.Context, opts interfaces.ListJobsOptions) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Job
	for _, job := range m.jobs {
		if opts.Status != nil && job.Status != *opts.Status {
			continue
		}
		matched = append(matched, copyJob(job))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := (opts.Page - 1) * opts.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + opts.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *memStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return common.NewErrorf(common.KindNotFound, "job %s not found", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) Transition(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, mutation *interfaces.JobMutation) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, common.NewErrorf(common.KindNotFound, "job %s not found", id)
	}
	matched := false
	for _, f := range from {
		if job.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, common.NewErrorf(common.KindNotInExpectedState, "job is %s", job.Status)
	}
	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	if mutation != nil {
		if mutation.DownloadedPath != nil {
			v := *mutation.DownloadedPath
			job.DownloadedPath = &v
		}
		if mutation.ProcessedPath != nil {
			v := *mutation.ProcessedPath
			job.ProcessedPath = &v
		}
		if mutation.ErrorMessage != nil {
			v := *mutation.ErrorMessage
			job.ErrorMessage = &v
		}
		if mutation.ProcessingTimeSeconds != nil {
			v := *mutation.ProcessingTimeSeconds
			job.ProcessingTimeSeconds = &v
		}
	}
	m.recordPeaksLocked()
	return copyJob(job), nil
}

func (m *memStore) ClaimPending(ctx context.Context, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*models.Job
	for _, job := range m.jobs {
		if job.Status == models.JobStatusPending {
			pending = append(pending, job)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := pending[i].Priority.Rank(), pending[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	var claimed []*models.Job
	for _, job := range pending {
		job.Status = models.JobStatusClaimed
		job.UpdatedAt = time.Now().UTC()
		claimed = append(claimed, copyJob(job))
	}
	m.recordPeaksLocked()
	return claimed, nil
}

func (m *memStore) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Job
	for _, job := range m.jobs {
		for _, status := range statuses {
			if job.Status == status {
				matched = append(matched, copyJob(job))
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (m *memStore) GetActiveJobByURL(ctx context.Context, url string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.Job
	for _, job := range m.jobs {
		if job.URL != url || job.Status.IsTerminal() {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, common.NewError(common.KindNotFound, "no active job for url")
	}
	return copyJob(newest), nil
}

func (m *memStore) ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Job
	for _, job := range m.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			matched = append(matched, copyJob(job))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	return matched, nil
}

func (m *memStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.JobStatus]int64)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// stubDownloader mimics the download service: it drops an artifact under the
// working directory and tracks call concurrency. Failure modes are switched
// on per test.
type stubDownloader struct {
	workingDir string
	delay      time.Duration
	err        error
	gate       chan struct{} // block here until closed (or ctx ends)
	blockCtx   bool          // block until ctx is cancelled

	mu        sync.Mutex
	order     []string
	calls     int
	active    int
	maxActive int
}

func (d *stubDownloader) Download(ctx context.Context, jobID, url string) (*interfaces.DownloadResult, error) {
	d.mu.Lock()
	d.order = append(d.order, jobID)
	d.calls++
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	path := filepath.Join(d.workingDir, jobID+"_original.mp4")
	if err := os.WriteFile(path, []byte("raw video"), 0o644); err != nil {
		return nil, err
	}

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, common.WrapError(common.KindCancelled, "download cancelled", ctx.Err())
		}
	}
	if d.blockCtx {
		<-ctx.Done()
		return nil, common.WrapError(common.KindCancelled, "download cancelled", ctx.Err())
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, common.WrapError(common.KindCancelled, "download cancelled", ctx.Err())
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return &interfaces.DownloadResult{Path: path, SizeBytes: 9}, nil
}

func (d *stubDownloader) Available() error { return nil }
func (d *stubDownloader) Command() string  { return "stub-fetcher" }

func (d *stubDownloader) dispatchOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

// stubTranscoder mimics the transcode service: it verifies the input exists
// and drops the processed artifact in the storage directory.
type stubTranscoder struct {
	storageDir string
	delay      time.Duration
	err        error

	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
}

func (s *stubTranscoder) Transcode(ctx context.Context, jobID, inputPath string) (*interfaces.TranscodeResult, error) {
	s.mu.Lock()
	s.calls++
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, common.WrapError(common.KindCancelled, "transcode cancelled", ctx.Err())
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("input not readable: %w", err)
	}
	path := filepath.Join(s.storageDir, jobID+"_processed.mp4")
	if err := os.WriteFile(path, []byte("processed video"), 0o644); err != nil {
		return nil, err
	}
	return &interfaces.TranscodeResult{Path: path, SizeBytes: 15}, nil
}

func (s *stubTranscoder) Available() error { return nil }
func (s *stubTranscoder) Command() string  { return "stub-encoder" }

func (s *stubTranscoder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// metricsStub satisfies the metrics interface without a registry.
type metricsStub struct {
	mu       sync.Mutex
	admitted int
	terminal map[models.JobStatus]int
}

func (m *metricsStub) Snapshot(ctx context.Context) (*models.MetricsSnapshot, error) {
	return &models.MetricsSnapshot{}, nil
}
func (m *metricsStub) History() *models.MetricsHistory { return &models.MetricsHistory{} }
func (m *metricsStub) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
}
func (m *metricsStub) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {}
func (m *metricsStub) JobAdmitted(priority models.JobPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admitted++
}
func (m *metricsStub) JobTerminal(status models.JobStatus, processingSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal == nil {
		m.terminal = make(map[models.JobStatus]int)
	}
	m.terminal[status]++
}
func (m *metricsStub) DownloadFinished(outcome string, bytes int64, duration time.Duration) {}
func (m *metricsStub) TranscodeFinished(outcome string, duration time.Duration)            {}
func (m *metricsStub) SetQueueDepth(depth int)                                             {}
func (m *metricsStub) SetActiveWorkers(downloads, processing int)                          {}
func (m *metricsStub) RetentionCompleted(report *models.RetentionReport)                   {}

type fixture struct {
	store      *memStore
	downloader *stubDownloader
	transcoder *stubTranscoder
	metrics    *metricsStub
	svc        *Service
	workingDir string
	storageDir string
}

func newFixture(t *testing.T, config *common.SchedulerConfig) *fixture {
	t.Helper()
	if config == nil {
		config = &common.SchedulerConfig{
			MaxConcurrentDownloads:  2,
			MaxConcurrentProcessing: 1,
			MaxConcurrentJobs:       2,
			MaxQueueSize:            100,
		}
	}

	logger := arbor.NewLogger()
	workingDir := t.TempDir()
	storageDir := t.TempDir()

	f := &fixture{
		store:      newMemStore(),
		downloader: &stubDownloader{workingDir: workingDir},
		transcoder: &stubTranscoder{storageDir: storageDir},
		metrics:    &metricsStub{},
		workingDir: workingDir,
		storageDir: storageDir,
	}
	f.svc = NewService(config, f.store, f.downloader, f.transcoder,
		cleanup.NewService(workingDir, storageDir, logger),
		events.NewService(logger), f.metrics, logger)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.svc.Stop(ctx); err != nil {
			t.Errorf("stop failed: %v", err)
		}
	})
}

func (f *fixture) createJob(t *testing.T, url string, priority models.JobPriority) *models.Job {
	t.Helper()
	job := models.NewJob(url, priority)
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job failed: %v", err)
	}
	return job
}

func (f *fixture) submit(t *testing.T, job *models.Job) {
	t.Helper()
	if err := f.svc.Submit(context.Background(), job); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func waitForStatus(t *testing.T, store *memStore, jobID string, want models.JobStatus, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	current := "missing"
	if job != nil {
		current = string(job.Status)
	}
	t.Fatalf("job %s did not reach %s within %s (currently %s)", jobID, want, timeout, current)
	return nil
}

func workingEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read working dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSchedulerCompletesJob(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	job := f.createJob(t, "https://www.youtube.com/watch?v=abc123", models.JobPriorityNormal)
	f.submit(t, job)

	done := waitForStatus(t, f.store, job.ID, models.JobStatusCompleted, 5*time.Second)

	if done.ProcessedPath == nil {
		t.Fatal("completed job should carry a processed path")
	}
	if _, err := os.Stat(*done.ProcessedPath); err != nil {
		t.Errorf("processed artifact missing: %v", err)
	}
	if done.ProcessingTimeSeconds == nil {
		t.Error("completed job should carry a processing time")
	}
	if done.ErrorMessage != nil {
		t.Errorf("completed job should have no error message, got %q", *done.ErrorMessage)
	}
	if leftovers := workingEntries(t, f.workingDir); len(leftovers) != 0 {
		t.Errorf("working directory should be empty, found %v", leftovers)
	}
}

func TestSchedulerRespectsConcurrencyCaps(t *testing.T) {
	config := &common.SchedulerConfig{
		MaxConcurrentDownloads:  2,
		MaxConcurrentProcessing: 1,
		MaxConcurrentJobs:       2,
		MaxQueueSize:            100,
	}
	f := newFixture(t, config)
	f.downloader.delay = 40 * time.Millisecond
	f.transcoder.delay = 40 * time.Millisecond
	f.start(t)

	var jobs []*models.Job
	for i := 0; i < 6; i++ {
		job := f.createJob(t, fmt.Sprintf("https://www.youtube.com/watch?v=cap%02d", i), models.JobPriorityNormal)
		f.submit(t, job)
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		waitForStatus(t, f.store, job.ID, models.JobStatusCompleted, 10*time.Second)
	}

	peaks, maxActive := f.store.peaks()
	if peaks[models.JobStatusDownloading] > config.MaxConcurrentDownloads {
		t.Errorf("downloading peak %d exceeds cap %d",
			peaks[models.JobStatusDownloading], config.MaxConcurrentDownloads)
	}
	if peaks[models.JobStatusProcessing] > config.MaxConcurrentProcessing {
		t.Errorf("processing peak %d exceeds cap %d",
			peaks[models.JobStatusProcessing], config.MaxConcurrentProcessing)
	}
	if maxActive > config.MaxConcurrentJobs {
		t.Errorf("active peak %d exceeds cap %d", maxActive, config.MaxConcurrentJobs)
	}
	if f.downloader.maxActive > config.MaxConcurrentDownloads {
		t.Errorf("concurrent fetcher runs %d exceed cap %d",
			f.downloader.maxActive, config.MaxConcurrentDownloads)
	}
	if f.transcoder.maxActive > config.MaxConcurrentProcessing {
		t.Errorf("concurrent encoder runs %d exceed cap %d",
			f.transcoder.maxActive, config.MaxConcurrentProcessing)
	}
}

func TestSchedulerDispatchesByPriorityThenFIFO(t *testing.T) {
	config := &common.SchedulerConfig{
		MaxConcurrentDownloads:  1,
		MaxConcurrentProcessing: 1,
		MaxConcurrentJobs:       1,
		MaxQueueSize:            100,
	}
	f := newFixture(t, config)

	low := f.createJob(t, "https://www.youtube.com/watch?v=low1", models.JobPriorityLow)
	high := f.createJob(t, "https://www.youtube.com/watch?v=high1", models.JobPriorityHigh)
	normalA := f.createJob(t, "https://www.youtube.com/watch?v=norm1", models.JobPriorityNormal)
	normalB := f.createJob(t, "https://www.youtube.com/watch?v=norm2", models.JobPriorityNormal)

	// Queue up everything before the loop starts so dispatch order is pure
	// priority plus FIFO.
	f.submit(t, low)
	f.submit(t, high)
	f.submit(t, normalA)
	f.submit(t, normalB)

	f.start(t)

	for _, job := range []*models.Job{low, high, normalA, normalB} {
		waitForStatus(t, f.store, job.ID, models.JobStatusCompleted, 10*time.Second)
	}

	want := []string{high.ID, normalA.ID, normalB.ID, low.ID}
	got := f.downloader.dispatchOrder()
	if len(got) != len(want) {
		t.Fatalf("expected %d dispatches, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	config := &common.SchedulerConfig{
		MaxConcurrentDownloads:  1,
		MaxConcurrentProcessing: 1,
		MaxConcurrentJobs:       1,
		MaxQueueSize:            100,
	}
	f := newFixture(t, config)
	f.downloader.gate = make(chan struct{})
	f.start(t)

	blocker := f.createJob(t, "https://www.youtube.com/watch?v=blocker", models.JobPriorityNormal)
	f.submit(t, blocker)
	waitForStatus(t, f.store, blocker.ID, models.JobStatusDownloading, 5*time.Second)

	victim := f.createJob(t, "https://www.youtube.com/watch?v=victim", models.JobPriorityNormal)
	f.submit(t, victim)

	cancelled, err := f.svc.Cancel(context.Background(), victim.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled status, got %s", cancelled.Status)
	}
	if f.svc.QueueDepth() != 0 {
		t.Errorf("queue should be empty after cancel, depth %d", f.svc.QueueDepth())
	}

	// Cancelling again is a state conflict.
	if _, err := f.svc.Cancel(context.Background(), victim.ID); !common.IsKind(err, common.KindNotInExpectedState) {
		t.Errorf("expected NotInExpectedState on repeat cancel, got %v", err)
	}

	close(f.downloader.gate)
	waitForStatus(t, f.store, blocker.ID, models.JobStatusCompleted, 5*time.Second)
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.blockCtx = true
	f.start(t)

	job := f.createJob(t, "https://www.youtube.com/watch?v=running", models.JobPriorityNormal)
	f.submit(t, job)
	waitForStatus(t, f.store, job.ID, models.JobStatusDownloading, 5*time.Second)

	current, err := f.svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if current.Status != models.JobStatusDownloading {
		t.Errorf("cancel should report the status it observed, got %s", current.Status)
	}

	done := waitForStatus(t, f.store, job.ID, models.JobStatusCancelled, 5*time.Second)
	if done.ErrorMessage != nil {
		t.Errorf("cancelled job should carry no error message, got %q", *done.ErrorMessage)
	}
	if leftovers := workingEntries(t, f.workingDir); len(leftovers) != 0 {
		t.Errorf("cancelled job artifacts should be removed, found %v", leftovers)
	}
}

func TestCancelUnknownAndTerminalJobs(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.svc.Cancel(context.Background(), "0b6ad762-61c9-4648-a2ae-caa48e6d0313"); !common.IsKind(err, common.KindNotFound) {
		t.Errorf("expected NotFound for unknown id, got %v", err)
	}

	job := f.createJob(t, "https://www.youtube.com/watch?v=done", models.JobPriorityNormal)
	if _, err := f.store.Transition(context.Background(), job.ID,
		[]models.JobStatus{models.JobStatusPending}, models.JobStatusCancelled, nil); err != nil {
		t.Fatalf("seed transition failed: %v", err)
	}

	_, err := f.svc.Cancel(context.Background(), job.ID)
	if !common.IsKind(err, common.KindNotInExpectedState) {
		t.Errorf("expected NotInExpectedState for terminal job, got %v", err)
	}
}

func TestSubmitRefusedWhenQueueFull(t *testing.T) {
	config := &common.SchedulerConfig{
		MaxConcurrentDownloads:  1,
		MaxConcurrentProcessing: 1,
		MaxConcurrentJobs:       1,
		MaxQueueSize:            2,
	}
	f := newFixture(t, config)
	// Loop not started: submissions stay queued.

	first := f.createJob(t, "https://www.youtube.com/watch?v=q1", models.JobPriorityNormal)
	second := f.createJob(t, "https://www.youtube.com/watch?v=q2", models.JobPriorityNormal)
	third := f.createJob(t, "https://www.youtube.com/watch?v=q3", models.JobPriorityNormal)

	f.submit(t, first)
	f.submit(t, second)

	err := f.svc.Submit(context.Background(), third)
	if !common.IsKind(err, common.KindQueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	if f.svc.QueueDepth() != 2 {
		t.Errorf("expected depth 2, got %d", f.svc.QueueDepth())
	}
}

func TestDownloadFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.err = common.NewError(common.KindDownloadFailed, "fetcher exited with status 1: boom")
	f.start(t)

	job := f.createJob(t, "https://www.youtube.com/watch?v=bad", models.JobPriorityNormal)
	f.submit(t, job)

	done := waitForStatus(t, f.store, job.ID, models.JobStatusFailed, 5*time.Second)
	if done.ErrorMessage == nil || *done.ErrorMessage != "fetcher exited with status 1: boom" {
		t.Errorf("unexpected error message: %v", done.ErrorMessage)
	}
	if f.transcoder.callCount() != 0 {
		t.Error("encoder must not run after a failed download")
	}
	if leftovers := workingEntries(t, f.workingDir); len(leftovers) != 0 {
		t.Errorf("failed job artifacts should be removed, found %v", leftovers)
	}

	// Permits are all returned: a healthy job still runs end to end.
	f.downloader.err = nil
	next := f.createJob(t, "https://www.youtube.com/watch?v=good", models.JobPriorityNormal)
	f.submit(t, next)
	waitForStatus(t, f.store, next.ID, models.JobStatusCompleted, 5*time.Second)

	downloads, processing, total := f.svc.ActiveCounts()
	if downloads != 0 || processing != 0 || total != 0 {
		t.Errorf("expected all permits free, got %d/%d/%d", downloads, processing, total)
	}
}

func TestTranscodeFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.transcoder.err = common.NewError(common.KindProcessingFailed, "encoder exited with status 1: bad stream")
	f.start(t)

	job := f.createJob(t, "https://www.youtube.com/watch?v=encfail", models.JobPriorityNormal)
	f.submit(t, job)

	done := waitForStatus(t, f.store, job.ID, models.JobStatusFailed, 5*time.Second)
	if done.ErrorMessage == nil || *done.ErrorMessage != "encoder exited with status 1: bad stream" {
		t.Errorf("unexpected error message: %v", done.ErrorMessage)
	}
	if done.ProcessedPath != nil {
		t.Error("failed job should not carry a processed path")
	}
	if leftovers := workingEntries(t, f.workingDir); len(leftovers) != 0 {
		t.Errorf("raw artifact should be removed after failure, found %v", leftovers)
	}
}

func TestStopCancelsInflightPipelines(t *testing.T) {
	f := newFixture(t, nil)
	f.downloader.blockCtx = true

	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	job := f.createJob(t, "https://www.youtube.com/watch?v=inflight", models.JobPriorityNormal)
	f.submit(t, job)
	waitForStatus(t, f.store, job.ID, models.JobStatusDownloading, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.svc.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	done, err := f.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if done.Status != models.JobStatusCancelled {
		t.Errorf("in-flight job should be cancelled on stop, got %s", done.Status)
	}
}

func TestClaimFallbackDispatchesUnqueuedPending(t *testing.T) {
	f := newFixture(t, nil)

	// The row exists but was never submitted to the in-memory queue, as
	// happens with overflow left behind by recovery.
	job := f.createJob(t, "https://www.youtube.com/watch?v=orphan", models.JobPriorityNormal)

	f.start(t)
	waitForStatus(t, f.store, job.ID, models.JobStatusCompleted, 5*time.Second)
}
