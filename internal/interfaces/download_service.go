package interfaces

import "context"

// DownloadResult is the successful outcome of a source fetch.
type DownloadResult struct {
	Path      string
	SizeBytes int64
}

// DownloadService runs the external fetcher for one job. It never writes job
// status itself; outcomes flow back to the scheduler.
type DownloadService interface {
	// Download fetches the source into the working directory as
	// {jobID}_original.{ext}. Cancellation and timeout terminate the child
	// process group, soft then hard.
	Download(ctx context.Context, jobID, url string) (*DownloadResult, error)

	// Available reports whether the configured fetcher binary is on PATH.
	Available() error

	// Command returns the configured fetcher binary name.
	Command() string
}
