package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewJob(t *testing.T) {
	job := NewJob("https://www.youtube.com/watch?v=dQw4w9WgXcQ", JobPriorityNormal)

	if !IsValidJobID(job.ID) {
		t.Errorf("generated ID %q is not canonical", job.ID)
	}
	if job.Status != JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.UpdatedAt.Before(job.CreatedAt) {
		t.Error("updated_at precedes created_at")
	}
	if err := job.Validate(); err != nil {
		t.Errorf("new job should validate: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobStatusPending, JobStatusClaimed, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusProcessing, false},
		{JobStatusClaimed, JobStatusDownloading, true},
		{JobStatusClaimed, JobStatusCompleted, false},
		{JobStatusDownloading, JobStatusProcessing, true},
		{JobStatusDownloading, JobStatusFailed, true},
		{JobStatusDownloading, JobStatusPending, false},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusCancelled, true},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusCancelled, JobStatusClaimed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(validTransitions[s]) != 0 {
			t.Errorf("%s should have no outgoing transitions", s)
		}
	}

	active := []JobStatus{JobStatusClaimed, JobStatusDownloading, JobStatusProcessing}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	if JobStatusPending.IsActive() || JobStatusPending.IsTerminal() {
		t.Error("pending is neither active nor terminal")
	}
}

func TestParseJobPriority(t *testing.T) {
	tests := []struct {
		input   string
		want    JobPriority
		wantErr bool
	}{
		{"high", JobPriorityHigh, false},
		{"normal", JobPriorityNormal, false},
		{"low", JobPriorityLow, false},
		{"HIGH", JobPriorityHigh, false},
		{"", JobPriorityNormal, false},
		{"urgent", "", true},
	}

	for _, tt := range tests {
		got, err := ParseJobPriority(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseJobPriority(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseJobPriority(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if !(JobPriorityHigh.Rank() < JobPriorityNormal.Rank() && JobPriorityNormal.Rank() < JobPriorityLow.Rank()) {
		t.Error("priority ranks must order high < normal < low")
	}
}

func TestJobJSONRedactsPaths(t *testing.T) {
	downloaded := "/working/abc_original.mp4"
	processed := "/storage/abc_processed.mp4"
	job := NewJob("https://youtu.be/x", JobPriorityHigh)
	job.DownloadedPath = &downloaded
	job.ProcessedPath = &processed

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	body := string(data)
	if strings.Contains(body, "original.mp4") || strings.Contains(body, "processed.mp4") {
		t.Errorf("filesystem paths leaked into JSON: %s", body)
	}
	if !strings.Contains(body, `"priority":"high"`) {
		t.Errorf("priority missing from JSON: %s", body)
	}
}

func TestJobValidateCouplesErrorToFailed(t *testing.T) {
	job := NewJob("https://youtu.be/x", JobPriorityNormal)

	msg := "boom"
	job.ErrorMessage = &msg
	if err := job.Validate(); err == nil {
		t.Error("error_message on non-failed job should not validate")
	}

	job.Status = JobStatusFailed
	if err := job.Validate(); err != nil {
		t.Errorf("failed job with error_message should validate: %v", err)
	}

	job.ErrorMessage = nil
	if err := job.Validate(); err == nil {
		t.Error("failed job without error_message should not validate")
	}
}

func TestIsValidJobID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"550e8400e29b41d4a716446655440000", false}, // missing hyphens
		{"not-a-uuid", false},
		{"", false},
		{"550e8400-e29b-41d4-a716-44665544000", false}, // 35 chars
	}

	for _, tt := range tests {
		if got := IsValidJobID(tt.id); got != tt.want {
			t.Errorf("IsValidJobID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(2, 20, 45)
	if p.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", p.TotalPages)
	}

	empty := NewPagination(1, 20, 0)
	if empty.TotalPages != 0 {
		t.Errorf("TotalPages = %d, want 0", empty.TotalPages)
	}
}

func TestJobTimestampsAdvance(t *testing.T) {
	job := NewJob("https://youtu.be/x", JobPriorityNormal)
	before := job.UpdatedAt

	job.UpdatedAt = before.Add(time.Second)
	if err := job.Validate(); err != nil {
		t.Errorf("advancing updated_at should validate: %v", err)
	}

	job.UpdatedAt = job.CreatedAt.Add(-time.Second)
	if err := job.Validate(); err == nil {
		t.Error("updated_at before created_at should not validate")
	}
}
