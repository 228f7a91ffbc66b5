package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// Service probes the dependencies a job needs end to end: the database, the
// two artifact directories, and the external fetcher and encoder binaries.
// A database failure makes the service unhealthy; everything else degrades.
type Service struct {
	version    string
	startedAt  time.Time
	storage    interfaces.StorageManager
	downloader interfaces.DownloadService
	transcoder interfaces.TranscodeService
	workingDir string
	storageDir string
	logger     arbor.ILogger
}

// NewService creates a health service.
func NewService(
	version string,
	storage interfaces.StorageManager,
	downloader interfaces.DownloadService,
	transcoder interfaces.TranscodeService,
	workingDir, storageDir string,
	logger arbor.ILogger,
) interfaces.HealthService {
	return &Service{
		version:    version,
		startedAt:  time.Now(),
		storage:    storage,
		downloader: downloader,
		transcoder: transcoder,
		workingDir: workingDir,
		storageDir: storageDir,
		logger:     logger,
	}
}

// Summary runs all probes and reports the aggregate state.
func (s *Service) Summary(ctx context.Context) *models.HealthSummary {
	checks := s.runChecks(ctx)
	return s.summarize(checks)
}

// Detailed runs all probes and includes each result.
func (s *Service) Detailed(ctx context.Context) *models.HealthDetail {
	checks := s.runChecks(ctx)
	return &models.HealthDetail{
		HealthSummary: *s.summarize(checks),
		Checks:        checks,
	}
}

// Ready reports whether the service can take traffic, which requires only a
// reachable database.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.storage.Ping(ctx); err != nil {
		return common.WrapError(common.KindStorageUnavailable, "database not reachable", err)
	}
	return nil
}

func (s *Service) runChecks(ctx context.Context) []models.HealthCheck {
	return []models.HealthCheck{
		s.checkDatabase(ctx),
		s.checkDirectory("working_dir", s.workingDir),
		s.checkDirectory("storage_dir", s.storageDir),
		s.checkCommands(),
	}
}

func (s *Service) summarize(checks []models.HealthCheck) *models.HealthSummary {
	state := models.HealthStateHealthy
	for _, check := range checks {
		if check.State == models.HealthStateHealthy {
			continue
		}
		if check.Name == "database" && check.State == models.HealthStateUnhealthy {
			state = models.HealthStateUnhealthy
			break
		}
		state = models.HealthStateDegraded
	}

	return &models.HealthSummary{
		State:     state,
		Version:   s.version,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		CheckedAt: time.Now().UTC(),
	}
}

func (s *Service) checkDatabase(ctx context.Context) models.HealthCheck {
	start := time.Now()
	check := models.HealthCheck{Name: "database", CheckedAt: start.UTC()}

	if err := s.storage.Ping(ctx); err != nil {
		check.State = models.HealthStateUnhealthy
		check.Detail = fmt.Sprintf("connection failed: %v", err)
	} else {
		check.State = models.HealthStateHealthy
		check.Detail = "connection ok"
	}
	check.DurationMS = time.Since(start).Milliseconds()
	return check
}

// checkDirectory verifies the directory exists and accepts writes, since a
// read-only volume stalls every job even though queries still work.
func (s *Service) checkDirectory(name, dir string) models.HealthCheck {
	start := time.Now()
	check := models.HealthCheck{Name: name, CheckedAt: start.UTC()}

	probe, err := os.CreateTemp(dir, ".healthprobe-*")
	if err != nil {
		check.State = models.HealthStateDegraded
		check.Detail = fmt.Sprintf("not writable: %v", err)
	} else {
		probe.Close()
		_ = os.Remove(probe.Name())
		check.State = models.HealthStateHealthy
		check.Detail = "writable"
	}
	check.DurationMS = time.Since(start).Milliseconds()
	return check
}

func (s *Service) checkCommands() models.HealthCheck {
	start := time.Now()
	check := models.HealthCheck{Name: "commands", CheckedAt: start.UTC()}

	var missing []string
	if err := s.downloader.Available(); err != nil {
		missing = append(missing, s.downloader.Command())
	}
	if err := s.transcoder.Available(); err != nil {
		missing = append(missing, s.transcoder.Command())
	}

	if len(missing) > 0 {
		check.State = models.HealthStateDegraded
		check.Detail = fmt.Sprintf("missing from PATH: %v", missing)
	} else {
		check.State = models.HealthStateHealthy
		check.Detail = fmt.Sprintf("%s and %s resolved", s.downloader.Command(), s.transcoder.Command())
	}
	check.DurationMS = time.Since(start).Milliseconds()
	return check
}
