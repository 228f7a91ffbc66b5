package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// Timestamps are stored as Unix milliseconds so consecutive transitions
// within the same second still advance updated_at.

// timeToUnixMS converts time.Time to a SQLite integer timestamp
func timeToUnixMS(t time.Time) int64 {
	return t.UnixMilli()
}

// unixMSToTime converts a SQLite integer timestamp to time.Time
func unixMSToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// priorityRankExpr orders rows high before normal before low.
const priorityRankExpr = `CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END`

const jobColumns = `id, url, priority, status, downloaded_path, processed_path, error_message, processing_time_seconds, created_at, updated_at`

// JobStorage implements SQLite persistence for video jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// scanner matches both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job            models.Job
		priority       string
		status         string
		downloadedPath sql.NullString
		processedPath  sql.NullString
		errorMessage   sql.NullString
		processingTime sql.NullFloat64
		createdAt      int64
		updatedAt      int64
	)

	err := row.Scan(
		&job.ID,
		&job.URL,
		&priority,
		&status,
		&downloadedPath,
		&processedPath,
		&errorMessage,
		&processingTime,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Priority = models.JobPriority(priority)
	job.Status = models.JobStatus(status)
	job.CreatedAt = unixMSToTime(createdAt)
	job.UpdatedAt = unixMSToTime(updatedAt)

	if downloadedPath.Valid {
		job.DownloadedPath = &downloadedPath.String
	}
	if processedPath.Valid {
		job.ProcessedPath = &processedPath.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if processingTime.Valid {
		job.ProcessingTimeSeconds = &processingTime.Float64
	}

	return &job, nil
}

// isTransientDBError reports driver failures worth retrying.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "connection reset")
}

// classifyDBError maps a driver error to the service taxonomy so the retry
// helper can decide retryability from the kind alone. Transient failures
// retry; everything else surfaces immediately.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *common.Error
	if errors.As(err, &svcErr) {
		return err
	}
	if isTransientDBError(err) {
		return common.WrapError(common.KindStorageUnavailable, "storage temporarily unavailable", err)
	}
	return common.WrapError(common.KindInternal, "storage operation failed", err)
}

// withRetry runs a storage operation under the transient-failure policy.
func (s *JobStorage) withRetry(ctx context.Context, operation string, fn func() error) error {
	return common.Retry(ctx, s.logger, common.StorageRetryPolicy(), operation, fn)
}

// CreateJob inserts a new pending job record
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, url, priority, status, downloaded_path, processed_path,
			error_message, processing_time_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	return s.withRetry(ctx, "create_job", func() error {
		_, err := s.db.db.ExecContext(ctx, query,
			job.ID,
			job.URL,
			string(job.Priority),
			string(job.Status),
			nullString(job.DownloadedPath),
			nullString(job.ProcessedPath),
			nullString(job.ErrorMessage),
			nullFloat(job.ProcessingTimeSeconds),
			timeToUnixMS(job.CreatedAt),
			timeToUnixMS(job.UpdatedAt),
		)
		return classifyDBError(err)
	})
}

// GetJob fetches one job by id
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns)

	var job *models.Job
	err := s.withRetry(ctx, "get_job", func() error {
		row := s.db.db.QueryRowContext(ctx, query, id)
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return common.NewErrorf(common.KindNotFound, "job %s not found", id)
		}
		if err != nil {
			return classifyDBError(err)
		}
		job = j
		return nil
	})
	return job, err
}

// ListJobs returns one page of jobs, newest first, plus the total row count
// for the same filter.
func (s *JobStorage) ListJobs(ctx context.Context, opts interfaces.ListJobsOptions) ([]*models.Job, int, error) {
	where := ""
	args := []interface{}{}
	if opts.Status != nil {
		where = "WHERE status = ?"
		args = append(args, string(*opts.Status))
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM jobs %s`, where)
	listQuery := fmt.Sprintf(
		`SELECT %s FROM jobs %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		jobColumns, where)

	var jobs []*models.Job
	var total int

	err := s.withRetry(ctx, "list_jobs", func() error {
		if err := s.db.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return classifyDBError(err)
		}

		offset := (opts.Page - 1) * opts.PageSize
		rows, err := s.db.db.QueryContext(ctx, listQuery, append(args, opts.PageSize, offset)...)
		if err != nil {
			return classifyDBError(err)
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return classifyDBError(err)
			}
			jobs = append(jobs, job)
		}
		return classifyDBError(rows.Err())
	})
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Transition atomically moves a job between statuses. The update applies only
// when the current status matches one of from; a mismatch yields
// NotInExpectedState, a missing row NotFound. Mutations ride in the same
// statement so a transition and its field updates are indivisible.
func (s *JobStorage) Transition(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, mutation *interfaces.JobMutation) (*models.Job, error) {
	if len(from) == 0 {
		return nil, common.NewError(common.KindInternal, "transition requires an expected status")
	}

	set := []string{"status = ?", "updated_at = ?"}
	setArgs := []interface{}{string(to), timeToUnixMS(time.Now().UTC())}

	if mutation != nil {
		if mutation.DownloadedPath != nil {
			set = append(set, "downloaded_path = ?")
			setArgs = append(setArgs, *mutation.DownloadedPath)
		}
		if mutation.ProcessedPath != nil {
			set = append(set, "processed_path = ?")
			setArgs = append(setArgs, *mutation.ProcessedPath)
		}
		if mutation.ErrorMessage != nil {
			set = append(set, "error_message = ?")
			setArgs = append(setArgs, *mutation.ErrorMessage)
		}
		if mutation.ProcessingTimeSeconds != nil {
			set = append(set, "processing_time_seconds = ?")
			setArgs = append(setArgs, *mutation.ProcessingTimeSeconds)
		}
	}

	placeholders := make([]string, len(from))
	args := append(setArgs, id)
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))

	var job *models.Job
	err := s.withRetry(ctx, "transition_job", func() error {
		result, err := s.db.db.ExecContext(ctx, query, args...)
		if err != nil {
			return classifyDBError(err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return classifyDBError(err)
		}

		if affected == 0 {
			// Distinguish a stale expectation from a missing row
			var current string
			err := s.db.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
			if err == sql.ErrNoRows {
				return common.NewErrorf(common.KindNotFound, "job %s not found", id)
			}
			if err != nil {
				return classifyDBError(err)
			}
			return common.NewErrorf(common.KindNotInExpectedState, "job is %s", current)
		}

		row := s.db.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), id)
		j, err := scanJob(row)
		if err != nil {
			return classifyDBError(err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("job_id", id).
		Str("status", string(to)).
		Msg("Job transitioned")

	return job, nil
}

// ClaimPending atomically claims up to limit pending jobs in dispatch order:
// priority first, then creation time, then insertion order.
func (s *JobStorage) ClaimPending(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	selectQuery := fmt.Sprintf(
		`SELECT id FROM jobs WHERE status = 'pending' ORDER BY %s, created_at ASC, rowid ASC LIMIT ?`,
		priorityRankExpr)

	var claimed []*models.Job
	err := s.withRetry(ctx, "claim_pending", func() error {
		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return classifyDBError(err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, selectQuery, limit)
		if err != nil {
			return classifyDBError(err)
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return classifyDBError(err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return classifyDBError(err)
		}

		if len(ids) == 0 {
			claimed = nil
			return tx.Commit()
		}

		now := timeToUnixMS(time.Now().UTC())
		claimed = claimed[:0]
		for _, id := range ids {
			result, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = 'claimed', updated_at = ? WHERE id = ? AND status = 'pending'`,
				now, id)
			if err != nil {
				return classifyDBError(err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return classifyDBError(err)
			}
			if affected == 0 {
				continue // raced with cancellation inside the same snapshot
			}

			row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = ?`, jobColumns), id)
			job, err := scanJob(row)
			if err != nil {
				return classifyDBError(err)
			}
			claimed = append(claimed, job)
		}

		return classifyDBError(tx.Commit())
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListJobsByStatus returns all jobs in the given statuses, oldest first.
func (s *JobStorage) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE status IN (%s) ORDER BY created_at ASC, rowid ASC`,
		jobColumns, strings.Join(placeholders, ", "))

	var jobs []*models.Job
	err := s.withRetry(ctx, "list_jobs_by_status", func() error {
		rows, err := s.db.db.QueryContext(ctx, query, args...)
		if err != nil {
			return classifyDBError(err)
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return classifyDBError(err)
			}
			jobs = append(jobs, job)
		}
		return classifyDBError(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetActiveJobByURL finds the newest non-terminal job for a URL, used to
// de-duplicate admissions.
func (s *JobStorage) GetActiveJobByURL(ctx context.Context, url string) (*models.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM jobs
		 WHERE url = ? AND status IN ('pending', 'claimed', 'downloading', 'processing')
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		jobColumns)

	var job *models.Job
	err := s.withRetry(ctx, "get_active_job_by_url", func() error {
		row := s.db.db.QueryRowContext(ctx, query, url)
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return common.NewError(common.KindNotFound, "no active job for url")
		}
		if err != nil {
			return classifyDBError(err)
		}
		job = j
		return nil
	})
	return job, err
}

// ListTerminalOlderThan returns terminal jobs whose last update precedes the
// cutoff, oldest first.
func (s *JobStorage) ListTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?
		 ORDER BY updated_at ASC`,
		jobColumns)

	var jobs []*models.Job
	err := s.withRetry(ctx, "list_terminal_older_than", func() error {
		rows, err := s.db.db.QueryContext(ctx, query, timeToUnixMS(cutoff))
		if err != nil {
			return classifyDBError(err)
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return classifyDBError(err)
			}
			jobs = append(jobs, job)
		}
		return classifyDBError(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes a job record
func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_job", func() error {
		result, err := s.db.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return classifyDBError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return classifyDBError(err)
		}
		if affected == 0 {
			return common.NewErrorf(common.KindNotFound, "job %s not found", id)
		}
		return nil
	})
}

// CountJobsByStatus returns row counts grouped by status
func (s *JobStorage) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	counts := make(map[models.JobStatus]int64)

	err := s.withRetry(ctx, "count_jobs_by_status", func() error {
		rows, err := s.db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return classifyDBError(err)
		}
		defer rows.Close()

		for k := range counts {
			delete(counts, k)
		}
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return classifyDBError(err)
			}
			counts[models.JobStatus(status)] = count
		}
		return classifyDBError(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
