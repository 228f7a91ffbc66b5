package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/models"
)

// forceStatus puts a job into an arbitrary state, bypassing the transition
// rules, to simulate rows left behind by a crashed process.
func (m *memStore) forceStatus(jobID string, status models.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = status
		job.UpdatedAt = time.Now().UTC()
	}
}

func (f *fixture) seedJob(t *testing.T, url string, priority models.JobPriority, status models.JobStatus, createdAt time.Time) *models.Job {
	t.Helper()
	job := models.NewJob(url, priority)
	if !createdAt.IsZero() {
		job.CreatedAt = createdAt
		job.UpdatedAt = createdAt
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seed job failed: %v", err)
	}
	if status != models.JobStatusPending {
		f.store.forceStatus(job.ID, status)
	}
	job.Status = status
	return job
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	f := newFixture(t, nil)

	claimed := f.seedJob(t, "https://www.youtube.com/watch?v=r1", models.JobPriorityNormal, models.JobStatusClaimed, time.Time{})
	downloading := f.seedJob(t, "https://www.youtube.com/watch?v=r2", models.JobPriorityNormal, models.JobStatusDownloading, time.Time{})
	processing := f.seedJob(t, "https://www.youtube.com/watch?v=r3", models.JobPriorityNormal, models.JobStatusProcessing, time.Time{})
	completed := f.seedJob(t, "https://www.youtube.com/watch?v=r4", models.JobPriorityNormal, models.JobStatusCompleted, time.Time{})
	pending := f.seedJob(t, "https://www.youtube.com/watch?v=r5", models.JobPriorityNormal, models.JobStatusPending, time.Time{})

	// Artifacts a crashed run would leave behind, plus an unrelated file
	// the sweep must not touch.
	artifact := filepath.Join(f.workingDir, downloading.ID+"_original.mp4")
	if err := os.WriteFile(artifact, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	unrelated := filepath.Join(f.workingDir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	if err := f.svc.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	for _, job := range []*models.Job{claimed, downloading, processing} {
		got, err := f.store.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job failed: %v", err)
		}
		if got.Status != models.JobStatusFailed {
			t.Errorf("job %s: expected failed, got %s", job.ID, got.Status)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "interrupted" {
			t.Errorf("job %s: expected error message %q, got %v", job.ID, "interrupted", got.ErrorMessage)
		}
	}

	got, _ := f.store.GetJob(context.Background(), completed.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("completed job must not be touched, got %s", got.Status)
	}
	got, _ = f.store.GetJob(context.Background(), pending.ID)
	if got.Status != models.JobStatusPending {
		t.Errorf("pending job must stay pending, got %s", got.Status)
	}
	if f.svc.QueueDepth() != 1 {
		t.Errorf("pending job should be queued, depth %d", f.svc.QueueDepth())
	}

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("dangling artifact should be removed by recovery")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("unrelated file should survive the sweep: %v", err)
	}
}

func TestRecoverRequeuesPendingInDispatchOrder(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Now().UTC().Add(-time.Hour)

	lowOld := f.seedJob(t, "https://www.youtube.com/watch?v=o1", models.JobPriorityLow, models.JobStatusPending, base)
	highOld := f.seedJob(t, "https://www.youtube.com/watch?v=o2", models.JobPriorityHigh, models.JobStatusPending, base.Add(time.Minute))
	normalMid := f.seedJob(t, "https://www.youtube.com/watch?v=o3", models.JobPriorityNormal, models.JobStatusPending, base.Add(2*time.Minute))
	highNew := f.seedJob(t, "https://www.youtube.com/watch?v=o4", models.JobPriorityHigh, models.JobStatusPending, base.Add(3*time.Minute))

	if err := f.svc.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	want := []string{highOld.ID, highNew.ID, normalMid.ID, lowOld.ID}
	for i, expected := range want {
		id, ok := f.svc.queue.Pop()
		if !ok {
			t.Fatalf("queue exhausted at position %d", i)
		}
		if id != expected {
			t.Errorf("position %d: expected %s, got %s", i, expected, id)
		}
	}
	if _, ok := f.svc.queue.Pop(); ok {
		t.Error("queue should be empty after draining requeued jobs")
	}
}

func TestRecoverLeavesTerminalJobsAlone(t *testing.T) {
	f := newFixture(t, nil)

	seeds := map[string]models.JobStatus{
		"https://www.youtube.com/watch?v=t1": models.JobStatusCompleted,
		"https://www.youtube.com/watch?v=t2": models.JobStatusFailed,
		"https://www.youtube.com/watch?v=t3": models.JobStatusCancelled,
	}
	var jobs []*models.Job
	for url, status := range seeds {
		jobs = append(jobs, f.seedJob(t, url, models.JobPriorityNormal, status, time.Time{}))
	}

	if err := f.svc.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	for _, job := range jobs {
		got, err := f.store.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job failed: %v", err)
		}
		if got.Status != job.Status {
			t.Errorf("job %s: status changed from %s to %s", job.ID, job.Status, got.Status)
		}
	}
	if f.svc.QueueDepth() != 0 {
		t.Errorf("no jobs should be queued, depth %d", f.svc.QueueDepth())
	}
}

func TestRecoverQueueOverflowStaysPending(t *testing.T) {
	config := &common.SchedulerConfig{
		MaxConcurrentDownloads:  1,
		MaxConcurrentProcessing: 1,
		MaxConcurrentJobs:       1,
		MaxQueueSize:            1,
	}
	f := newFixture(t, config)
	base := time.Now().UTC().Add(-time.Hour)

	first := f.seedJob(t, "https://www.youtube.com/watch?v=v1", models.JobPriorityNormal, models.JobStatusPending, base)
	second := f.seedJob(t, "https://www.youtube.com/watch?v=v2", models.JobPriorityNormal, models.JobStatusPending, base.Add(time.Minute))

	if err := f.svc.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if f.svc.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", f.svc.QueueDepth())
	}
	for _, job := range []*models.Job{first, second} {
		got, _ := f.store.GetJob(context.Background(), job.ID)
		if got.Status != models.JobStatusPending {
			t.Errorf("job %s: expected pending, got %s", job.ID, got.Status)
		}
	}

	// The overflow job is not lost: the dispatcher claims it straight from
	// storage once the queue drains.
	f.start(t)
	waitForStatus(t, f.store, first.ID, models.JobStatusCompleted, 5*time.Second)
	waitForStatus(t, f.store, second.ID, models.JobStatusCompleted, 5*time.Second)
}
