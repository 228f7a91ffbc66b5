package cleanup

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

// Result accumulates what a cleanup pass removed.
type Result struct {
	Files int
	Bytes int64
}

// Service removes job artifacts from the working and storage directories.
// Jobs own their files exclusively while active, so callers only invoke
// cleanup for jobs that are terminal or being torn down.
type Service struct {
	workingDir string
	storageDir string
	logger     arbor.ILogger
}

// NewService creates a cleanup service over the two artifact directories.
func NewService(workingDir, storageDir string, logger arbor.ILogger) *Service {
	return &Service{
		workingDir: workingDir,
		storageDir: storageDir,
		logger:     logger,
	}
}

// RemoveJobFiles deletes every artifact the job left in the working and
// storage directories. Missing files are not errors; remove failures are
// logged and skipped so one stuck file never blocks the rest.
func (s *Service) RemoveJobFiles(jobID string) Result {
	var result Result
	for _, dir := range []string{s.workingDir, s.storageDir} {
		r := s.removeMatching(dir, jobID+"_*")
		result.Files += r.Files
		result.Bytes += r.Bytes
	}
	if result.Files > 0 {
		s.logger.Info().
			Str("job_id", jobID).
			Int("files", result.Files).
			Int64("bytes", result.Bytes).
			Msg("Removed job artifacts")
	}
	return result
}

// RemoveWorkingFiles deletes only the job's working-directory artifacts,
// leaving a completed job's stored output alone.
func (s *Service) RemoveWorkingFiles(jobID string) Result {
	return s.removeMatching(s.workingDir, jobID+"_*")
}

// RemoveFile deletes a single file if it exists.
func (s *Service) RemoveFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove file")
		}
		return
	}
	s.logger.Debug().Str("path", path).Msg("Removed file")
}

// SweepWorkingDir removes every job artifact in the working directory. After
// startup reconciliation no job has work in flight, so anything matching the
// artifact naming scheme is left over from a previous run.
func (s *Service) SweepWorkingDir() Result {
	var result Result

	entries, err := os.ReadDir(s.workingDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.workingDir).Msg("Failed to scan working directory")
		return result
	}

	for _, entry := range entries {
		if entry.IsDir() || !isJobArtifact(entry.Name()) {
			continue
		}
		path := filepath.Join(s.workingDir, entry.Name())
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove dangling file")
			continue
		}
		result.Files++
		result.Bytes += size
		s.logger.Info().Str("path", path).Msg("Removed dangling file")
	}
	return result
}

func (s *Service) removeMatching(dir, pattern string) Result {
	var result Result

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return result
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove file")
			continue
		}
		result.Files++
		result.Bytes += info.Size()
	}
	return result
}

func isJobArtifact(name string) bool {
	return strings.Contains(name, "_original.") || strings.Contains(name, "_processed.")
}
