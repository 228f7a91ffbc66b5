package interfaces

import "context"

// TranscodeResult is the successful outcome of an encode run.
type TranscodeResult struct {
	Path      string
	SizeBytes int64
}

// TranscodeService runs the external encoder for one job. A single attempt;
// failures are not retried.
type TranscodeService interface {
	// Transcode normalizes inputPath into {storageDir}/{jobID}_processed.mp4.
	// Encoding happens on a working-directory sibling moved into place on
	// success; the raw input is left for the caller to clean up.
	Transcode(ctx context.Context, jobID, inputPath string) (*TranscodeResult, error)

	// Available reports whether the configured encoder binary is on PATH.
	Available() error

	// Command returns the configured encoder binary name.
	Command() string
}
