// -----------------------------------------------------------------------
// Video API - processed artifact download and range-capable streaming
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// VideoHandler serves processed video artifacts. Only completed jobs expose
// their output; everything else answers with a state conflict.
type VideoHandler struct {
	store  interfaces.JobStorage
	logger arbor.ILogger
}

// NewVideoHandler creates a new video handler.
func NewVideoHandler(store interfaces.JobStorage, logger arbor.ILogger) *VideoHandler {
	return &VideoHandler{store: store, logger: logger}
}

// DownloadHandler serves the processed video as an attachment.
// GET /video/{id}
func (h *VideoHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	file, info, jobID, ok := h.openProcessed(w, r, "/video/")
	if !ok {
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="video_%s.mp4"`, jobID))
	http.ServeContent(w, r, "", info.ModTime(), file)
}

// StreamHandler serves the processed video inline with range support, so
// players can seek.
// GET /stream/{id}
func (h *VideoHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	file, info, _, ok := h.openProcessed(w, r, "/stream/")
	if !ok {
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, "", info.ModTime(), file)
}

// openProcessed resolves the path id to a completed job's artifact. It
// writes the error response itself when the id is malformed, the job is
// unknown or not completed, or the file is gone.
func (h *VideoHandler) openProcessed(w http.ResponseWriter, r *http.Request, prefix string) (*os.File, os.FileInfo, string, bool) {
	jobID, ok := RequireJobID(w, r, prefix)
	if !ok {
		return nil, nil, "", false
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return nil, nil, "", false
	}
	if job.Status != models.JobStatusCompleted {
		WriteError(w, common.NewErrorf(common.KindNotInExpectedState,
			"job is %s, not completed", job.Status))
		return nil, nil, "", false
	}
	if job.ProcessedPath == nil {
		WriteError(w, common.NewError(common.KindNotFound, "processed video not available"))
		return nil, nil, "", false
	}

	file, err := os.Open(*job.ProcessedPath)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Processed file missing from disk")
		WriteError(w, common.NewError(common.KindNotFound, "processed video not available"))
		return nil, nil, "", false
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Processed file unreadable")
		WriteError(w, common.NewError(common.KindInternal, "internal error"))
		return nil, nil, "", false
	}
	return file, info, jobID, true
}
