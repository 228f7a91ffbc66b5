// -----------------------------------------------------------------------
// HTTP API request and response shapes
// -----------------------------------------------------------------------

package models

// ProcessRequest is the admission payload.
type ProcessRequest struct {
	URL      string `json:"url"`
	Priority string `json:"priority,omitempty"`
}

// ErrorResponse is the uniform error body: a stable kind plus a
// human-readable reason. Internal details never appear here.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Pagination describes one page of a job listing.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

// JobListResponse is the body of GET /jobs.
type JobListResponse struct {
	Jobs       []*Job     `json:"jobs"`
	Pagination Pagination `json:"pagination"`
}

// DeleteResponse is the body of a successful cancellation.
type DeleteResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// NewPagination computes page counts from a total row count.
func NewPagination(page, pageSize, totalCount int) Pagination {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (totalCount + pageSize - 1) / pageSize
	}
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: totalCount,
		TotalPages: totalPages,
	}
}
