// -----------------------------------------------------------------------
// Job - persistent record of a single video submission and its lifecycle
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job. Transitions only move forward;
// terminal states are never left.
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusClaimed     JobStatus = "claimed"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusProcessing  JobStatus = "processing"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// AllJobStatuses lists every status, in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusClaimed,
	JobStatusDownloading,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsTerminal returns true for states no transition ever leaves.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive returns true while a worker may own the job.
func (s JobStatus) IsActive() bool {
	return s == JobStatusClaimed || s == JobStatusDownloading || s == JobStatusProcessing
}

// ParseJobStatus validates a status string from a query parameter.
func ParseJobStatus(value string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range AllJobStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", value)
}

// validTransitions is the forward-only state graph. Any non-terminal state
// may fail or be cancelled; the happy path is pending -> claimed ->
// downloading -> processing -> completed.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:     {JobStatusClaimed, JobStatusCancelled, JobStatusFailed},
	JobStatusClaimed:     {JobStatusDownloading, JobStatusCancelled, JobStatusFailed},
	JobStatusDownloading: {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing:  {JobStatusCompleted, JobStatusCancelled, JobStatusFailed},
}

// CanTransition reports whether the state graph permits from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobPriority orders jobs for dispatch. High before normal before low;
// within one priority dispatch is FIFO by creation time.
type JobPriority string

const (
	JobPriorityHigh   JobPriority = "high"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityLow    JobPriority = "low"
)

// Rank maps the priority to a sortable integer, smaller is more urgent.
func (p JobPriority) Rank() int {
	switch p {
	case JobPriorityHigh:
		return 0
	case JobPriorityLow:
		return 2
	default:
		return 1
	}
}

// ParseJobPriority validates a priority string from a request body. Empty
// defaults to normal.
func ParseJobPriority(value string) (JobPriority, error) {
	switch JobPriority(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return JobPriorityNormal, nil
	case JobPriorityHigh:
		return JobPriorityHigh, nil
	case JobPriorityNormal:
		return JobPriorityNormal, nil
	case JobPriorityLow:
		return JobPriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// Job is the persistent record for one submission. Filesystem paths are
// internal and never serialized to clients.
type Job struct {
	ID                    string      `json:"id"`
	URL                   string      `json:"url"`
	Priority              JobPriority `json:"priority"`
	Status                JobStatus   `json:"status"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	DownloadedPath        *string     `json:"-"`
	ProcessedPath         *string     `json:"-"`
	ErrorMessage          *string     `json:"error_message,omitempty"`
	ProcessingTimeSeconds *float64    `json:"processing_time_seconds,omitempty"`
}

// NewJob creates a pending job for a validated URL.
func NewJob(url string, priority JobPriority) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New().String(),
		URL:       url,
		Priority:  priority,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true once the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Validate checks structural integrity of a record, including the
// error-message/status coupling.
func (j *Job) Validate() error {
	if !IsValidJobID(j.ID) {
		return fmt.Errorf("job ID %q is not a canonical identifier", j.ID)
	}
	if j.URL == "" {
		return fmt.Errorf("job URL is required")
	}
	if _, err := ParseJobStatus(string(j.Status)); err != nil {
		return err
	}
	if _, err := ParseJobPriority(string(j.Priority)); err != nil {
		return err
	}
	if j.UpdatedAt.Before(j.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	if (j.ErrorMessage != nil) != (j.Status == JobStatusFailed) {
		return fmt.Errorf("error_message must be set exactly when status is failed")
	}
	if j.ProcessedPath != nil && j.Status != JobStatusCompleted {
		return fmt.Errorf("processed_path set on non-completed job")
	}
	return nil
}

// IsValidJobID accepts only the canonical 36-character hyphenated form.
// Anything else is rejected before any store lookup.
func IsValidJobID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
