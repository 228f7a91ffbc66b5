// -----------------------------------------------------------------------
// Metrics snapshot types for the JSON metrics endpoints
// -----------------------------------------------------------------------

package models

import "time"

// MetricsSnapshot is a point-in-time view of service counters and gauges,
// served by GET /metrics and recorded into the history ring.
type MetricsSnapshot struct {
	Timestamp          time.Time        `json:"timestamp"`
	UptimeSec          int64            `json:"uptime_seconds"`
	JobsByStatus       map[string]int64 `json:"jobs_by_status"`
	JobsAdmitted       int64            `json:"jobs_admitted"`
	JobsCompleted      int64            `json:"jobs_completed"`
	JobsFailed         int64            `json:"jobs_failed"`
	JobsCancelled      int64            `json:"jobs_cancelled"`
	QueueDepth         int              `json:"queue_depth"`
	ActiveDownloads    int              `json:"active_downloads"`
	ActiveProcessing   int              `json:"active_processing"`
	BytesDownloaded    int64            `json:"bytes_downloaded"`
	BytesReclaimed     int64            `json:"bytes_reclaimed"`
	RetentionSweeps    int64            `json:"retention_sweeps"`
	RetentionDeleted   int64            `json:"retention_deleted"`
	AvgProcessingSec   float64          `json:"avg_processing_seconds"`
	AvgDownloadSec     float64          `json:"avg_download_seconds"`
	HTTPRequestsServed int64            `json:"http_requests_served"`
}

// MetricsHistory is the body of GET /metrics/history.
type MetricsHistory struct {
	Entries []MetricsSnapshot `json:"entries"`
	Count   int               `json:"count"`
}

// RetentionReport summarizes one sweeper cycle.
type RetentionReport struct {
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
	JobsScanned    int       `json:"jobs_scanned"`
	RecordsDeleted int       `json:"records_deleted"`
	FilesDeleted   int       `json:"files_deleted"`
	BytesReclaimed int64     `json:"bytes_reclaimed"`
}
