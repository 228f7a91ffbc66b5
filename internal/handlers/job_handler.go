// -----------------------------------------------------------------------
// Job API - admission, status, listing and cancellation
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// JobHandler handles job admission and lifecycle API requests.
type JobHandler struct {
	store     interfaces.JobStorage
	scheduler interfaces.SchedulerService
	validator interfaces.ValidationService
	logger    arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(store interfaces.JobStorage, scheduler interfaces.SchedulerService, validator interfaces.ValidationService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:     store,
		scheduler: scheduler,
		validator: validator,
		logger:    logger,
	}
}

// ProcessHandler admits a new source URL.
// POST /process {"url": "...", "priority": "high|normal|low"}
// New submissions answer 202; a URL that already has a non-terminal job
// answers 200 with that job instead of creating a duplicate.
func (h *JobHandler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	var req models.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, common.NewError(common.KindInvalidURL, "request body is not valid JSON"))
		return
	}
	req.URL = strings.TrimSpace(req.URL)

	if err := h.validator.ValidateURL(req.URL); err != nil {
		h.logger.Warn().Err(err).Msg("Rejected submission")
		WriteError(w, err)
		return
	}
	priority, err := models.ParseJobPriority(req.Priority)
	if err != nil {
		WriteError(w, common.WrapError(common.KindInvalidURL, "priority must be high, normal or low", err))
		return
	}

	if existing, err := h.store.GetActiveJobByURL(ctx, req.URL); err == nil {
		h.logger.Info().
			Str("job_id", existing.ID).
			Str("url", req.URL).
			Msg("Returning existing active job for URL")
		WriteJSON(w, http.StatusOK, existing)
		return
	} else if !common.IsKind(err, common.KindNotFound) {
		h.logger.Error().Err(err).Msg("Duplicate lookup failed")
		WriteError(w, err)
		return
	}

	job := models.NewJob(req.URL, priority)
	if err := h.store.CreateJob(ctx, job); err != nil {
		h.logger.Error().Err(err).Str("url", req.URL).Msg("Failed to persist job")
		WriteError(w, err)
		return
	}

	if err := h.scheduler.Submit(ctx, job); err != nil {
		// The job never entered the queue; drop the row so a retry is not
		// deduplicated against a record nothing will ever run.
		if derr := h.store.DeleteJob(ctx, job.ID); derr != nil {
			h.logger.Warn().Err(derr).Str("job_id", job.ID).Msg("Failed to remove refused job")
		}
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

// GetStatusHandler returns one job record.
// GET /status/{id}
func (h *JobHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID, ok := RequireJobID(w, r, "/status/")
	if !ok {
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler returns a page of jobs, newest first.
// GET /jobs?page=1&page_size=20&status=completed
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	page := 1
	pageSize := defaultPageSize
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, common.NewError(common.KindInvalidPagination, "page must be an integer"))
			return
		}
		page = parsed
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, common.NewError(common.KindInvalidPagination, "page_size must be an integer"))
			return
		}
		pageSize = parsed
	}
	if err := h.validator.ValidatePagination(page, pageSize); err != nil {
		WriteError(w, err)
		return
	}

	opts := interfaces.ListJobsOptions{Page: page, PageSize: pageSize}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseJobStatus(raw)
		if err != nil {
			WriteError(w, common.WrapError(common.KindInvalidPagination, "unknown status filter", err))
			return
		}
		opts.Status = &status
	}

	jobs, total, err := h.store.ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	WriteJSON(w, http.StatusOK, models.JobListResponse{
		Jobs:       jobs,
		Pagination: models.NewPagination(page, pageSize, total),
	})
}

// CancelJobHandler cancels a job.
// DELETE /jobs/{id}
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	jobID, ok := RequireJobID(w, r, "/jobs/")
	if !ok {
		return
	}

	if _, err := h.scheduler.Cancel(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, models.DeleteResponse{
		JobID:   jobID,
		Message: "Job cancelled successfully",
	})
}
