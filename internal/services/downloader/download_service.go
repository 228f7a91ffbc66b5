package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/subprocess"
)

// Service fetches job sources by shelling out to the configured downloader,
// yt-dlp by default. Output lands in the working directory as
// {jobID}_original.{ext}; callers own the file afterwards.
type Service struct {
	config     *common.DownloaderConfig
	workingDir string
	runner     *subprocess.Runner
	logger     arbor.ILogger
}

// NewService creates a download service writing into workingDir.
func NewService(config *common.DownloaderConfig, workingDir string, logger arbor.ILogger) interfaces.DownloadService {
	return &Service{
		config:     config,
		workingDir: workingDir,
		runner:     subprocess.NewRunner(logger),
		logger:     logger,
	}
}

// Command returns the configured fetcher binary.
func (s *Service) Command() string {
	return s.config.Command
}

// Available reports whether the fetcher binary can be resolved on PATH.
func (s *Service) Available() error {
	if _, err := exec.LookPath(s.config.Command); err != nil {
		return common.WrapError(common.KindDownloaderMissing,
			fmt.Sprintf("download command %q not found", s.config.Command), err)
	}
	return nil
}

// Download runs the fetcher under the configured wall-clock timeout and
// returns the resulting file. Transient failures are retried with backoff;
// cancellation, size caps and a missing binary are not.
func (s *Service) Download(ctx context.Context, jobID, url string) (*interfaces.DownloadResult, error) {
	var result *interfaces.DownloadResult

	err := common.Retry(ctx, s.logger, common.DownloadRetryPolicy(), "download", func() error {
		var attemptErr error
		result, attemptErr = s.downloadOnce(ctx, jobID, url)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) downloadOnce(ctx context.Context, jobID, url string) (*interfaces.DownloadResult, error) {
	// Leftovers from a killed earlier attempt would confuse the output scan.
	s.removePartialFiles(jobID)

	if err := s.checkDiskSpace(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout())
	defer cancel()

	outputTemplate := filepath.Join(s.workingDir, jobID+"_original.%(ext)s")
	args := []string{
		"--format", s.config.FormatExpr,
		"--output", outputTemplate,
		"--merge-output-format", "mp4",
		"--max-filesize", strconv.FormatInt(s.config.MaxFileSizeBytes(), 10),
		"--no-playlist",
		url,
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("url", url).
		Str("command", s.config.Command).
		Msg("Starting download")

	result, err := s.runner.Run(runCtx, s.config.Command, args...)
	if err != nil {
		s.removePartialFiles(jobID)
		return nil, s.classifyRunError(ctx, runCtx, err)
	}

	if result.ExitCode != 0 {
		s.removePartialFiles(jobID)
		detail := trimDetail(result.StderrTail)
		if sizeLimitHit(result.StderrTail) || sizeLimitHit(result.StdoutTail) {
			return nil, common.NewErrorf(common.KindSizeExceeded,
				"source exceeds the %d MB size limit", s.config.MaxFileSizeMB)
		}
		s.logger.Warn().
			Str("job_id", jobID).
			Int("exit_code", result.ExitCode).
			Str("stderr", detail).
			Msg("Download command failed")
		return nil, common.NewErrorf(common.KindDownloadFailed,
			"fetcher exited with status %d: %s", result.ExitCode, detail)
	}

	path, err := s.findDownloadedFile(jobID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, common.WrapError(common.KindDownloadFailed, "downloaded file unreadable", err)
	}
	if info.Size() > s.config.MaxFileSizeBytes() {
		_ = os.Remove(path)
		return nil, common.NewErrorf(common.KindSizeExceeded,
			"downloaded file exceeds the %d MB size limit", s.config.MaxFileSizeMB)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("path", path).
		Int64("size_bytes", info.Size()).
		Str("duration", result.Duration.String()).
		Msg("Download completed")

	return &interfaces.DownloadResult{Path: path, SizeBytes: info.Size()}, nil
}

// checkDiskSpace requires room for the raw download plus the encoded copy
// with headroom before spawning the fetcher. An unanswerable query is logged
// and waved through rather than failing jobs on filesystems that cannot
// report free space.
func (s *Service) checkDiskSpace() error {
	const headroom = 1 << 30

	available, err := availableSpace(s.workingDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.workingDir).Msg("Disk space check unavailable")
		return nil
	}

	required := uint64(s.config.MaxFileSizeBytes())*2 + headroom
	if available < required {
		return common.NewErrorf(common.KindInternal,
			"insufficient disk space: %d MB available, %d MB required",
			available/(1024*1024), required/(1024*1024))
	}
	return nil
}

// classifyRunError distinguishes a missing binary, caller cancellation and
// wall-clock expiry. runCtx carries the timeout; ctx is the caller's.
func (s *Service) classifyRunError(ctx, runCtx context.Context, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return common.WrapError(common.KindDownloaderMissing,
			fmt.Sprintf("download command %q not found", s.config.Command), err)
	case ctx.Err() != nil:
		return common.WrapError(common.KindCancelled, "download cancelled", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return common.NewErrorf(common.KindTimeout,
			"download timed out after %d seconds", s.config.TimeoutSeconds)
	default:
		return common.WrapError(common.KindDownloadFailed, "download command failed", err)
	}
}

// findDownloadedFile locates the single file the fetcher produced. In-flight
// temp files keep yt-dlp suffixes and are ignored.
func (s *Service) findDownloadedFile(jobID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.workingDir, jobID+"_original.*"))
	if err != nil {
		return "", common.WrapError(common.KindDownloadFailed, "failed to scan working directory", err)
	}

	var candidates []string
	for _, match := range matches {
		if isTemporaryArtifact(match) {
			continue
		}
		candidates = append(candidates, match)
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", common.NewError(common.KindDownloadFailed, "fetcher produced no output file")
	default:
		return "", common.NewErrorf(common.KindDownloadFailed,
			"fetcher produced %d output files, expected one", len(candidates))
	}
}

func (s *Service) removePartialFiles(jobID string) {
	matches, err := filepath.Glob(filepath.Join(s.workingDir, jobID+"_original.*"))
	if err != nil {
		return
	}
	for _, match := range matches {
		if err := os.Remove(match); err == nil {
			s.logger.Debug().Str("path", match).Msg("Removed partial download")
		}
	}
}

func isTemporaryArtifact(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".part", ".ytdl", ".temp", ".tmp":
		return true
	}
	return false
}

func sizeLimitHit(output string) bool {
	return strings.Contains(output, "max-filesize")
}

// trimDetail bounds subprocess output carried in error reasons. Full tails
// still reach the logs.
func trimDetail(tail string) string {
	tail = strings.TrimSpace(tail)
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	if tail == "" {
		return "no output"
	}
	return tail
}
