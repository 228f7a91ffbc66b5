package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
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

// Service re-encodes downloaded sources to browser-friendly MP4 with the
// configured encoder, ffmpeg by default. Encoding happens in the working
// directory; the finished file moves to the storage directory, which is the
// only location a completed job ever references.
type Service struct {
	config     *common.TranscoderConfig
	workingDir string
	storageDir string
	runner     *subprocess.Runner
	logger     arbor.ILogger
}

// NewService creates a transcode service.
func NewService(config *common.TranscoderConfig, workingDir, storageDir string, logger arbor.ILogger) interfaces.TranscodeService {
	return &Service{
		config:     config,
		workingDir: workingDir,
		storageDir: storageDir,
		runner:     subprocess.NewRunner(logger),
		logger:     logger,
	}
}

// Command returns the configured encoder binary.
func (s *Service) Command() string {
	return s.config.Command
}

// Available reports whether the encoder binary can be resolved on PATH.
func (s *Service) Available() error {
	if _, err := exec.LookPath(s.config.Command); err != nil {
		return common.WrapError(common.KindEncoderMissing,
			fmt.Sprintf("encoder command %q not found", s.config.Command), err)
	}
	return nil
}

// Transcode runs the encoder once; encoding is deterministic, so failures are
// not retried. The returned path points into the storage directory.
func (s *Service) Transcode(ctx context.Context, jobID, inputPath string) (*interfaces.TranscodeResult, error) {
	workingOutput := filepath.Join(s.workingDir, jobID+"_processed.mp4")

	// A crashed earlier run may have left a partial file; the encoder will
	// not overwrite it.
	_ = os.Remove(workingOutput)

	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout())
	defer cancel()

	args := []string{
		"-i", inputPath,
		"-c:v", s.config.VideoCodec,
		"-preset", s.config.Preset,
		"-crf", strconv.Itoa(s.config.CRF),
		"-profile:v", "high",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:a", s.config.AudioCodec,
		"-b:a", s.config.AudioBitrate,
		"-ac", "2",
		"-threads", "0",
		"-movflags", "+faststart",
		"-max_muxing_queue_size", "1024",
		workingOutput,
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("input", inputPath).
		Str("command", s.config.Command).
		Msg("Starting transcode")

	result, err := s.runner.Run(runCtx, s.config.Command, args...)
	if err != nil {
		_ = os.Remove(workingOutput)
		return nil, s.classifyRunError(ctx, runCtx, err)
	}

	if result.ExitCode != 0 {
		_ = os.Remove(workingOutput)
		detail := trimDetail(result.StderrTail)
		s.logger.Warn().
			Str("job_id", jobID).
			Int("exit_code", result.ExitCode).
			Str("stderr", detail).
			Msg("Encoder failed")
		return nil, common.NewErrorf(common.KindProcessingFailed,
			"encoder exited with status %d: %s", result.ExitCode, detail)
	}

	if _, err := os.Stat(workingOutput); err != nil {
		return nil, common.NewError(common.KindOutputMissing, "encoder produced no output file")
	}

	finalPath := filepath.Join(s.storageDir, jobID+"_processed.mp4")
	if err := moveFile(workingOutput, finalPath); err != nil {
		_ = os.Remove(workingOutput)
		return nil, common.WrapError(common.KindProcessingFailed,
			"failed to move processed file to storage", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, common.WrapError(common.KindProcessingFailed, "processed file unreadable", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("path", finalPath).
		Int64("size_bytes", info.Size()).
		Str("duration", result.Duration.String()).
		Msg("Transcode completed")

	return &interfaces.TranscodeResult{Path: finalPath, SizeBytes: info.Size()}, nil
}

func (s *Service) classifyRunError(ctx, runCtx context.Context, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return common.WrapError(common.KindEncoderMissing,
			fmt.Sprintf("encoder command %q not found", s.config.Command), err)
	case ctx.Err() != nil:
		return common.WrapError(common.KindCancelled, "transcode cancelled", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return common.NewErrorf(common.KindTimeout,
			"processing timed out after %d seconds", s.config.TimeoutSeconds)
	default:
		return common.WrapError(common.KindProcessingFailed, "encoder command failed", err)
	}
}

// moveFile renames when source and destination share a filesystem and falls
// back to copy-then-remove when they do not.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func trimDetail(tail string) string {
	trimmed := strings.TrimSpace(tail)
	if len(trimmed) > 512 {
		trimmed = trimmed[len(trimmed)-512:]
	}
	if trimmed == "" {
		return "no output"
	}
	return trimmed
}
