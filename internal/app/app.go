package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/handlers"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/services/cleanup"
	"github.com/ternarybob/aperio/internal/services/downloader"
	"github.com/ternarybob/aperio/internal/services/events"
	"github.com/ternarybob/aperio/internal/services/health"
	"github.com/ternarybob/aperio/internal/services/metrics"
	"github.com/ternarybob/aperio/internal/services/retention"
	"github.com/ternarybob/aperio/internal/services/scheduler"
	"github.com/ternarybob/aperio/internal/services/transcoder"
	"github.com/ternarybob/aperio/internal/services/validation"
	"github.com/ternarybob/aperio/internal/storage/sqlite"
)

// closeTimeout bounds how long shutdown waits for in-flight pipelines to
// record their terminal states.
const closeTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Pipeline services. The scheduler stays concrete because crash
	// recovery is a composition-root concern, not part of the contract
	// handlers consume.
	EventService      interfaces.EventService
	ValidationService interfaces.ValidationService
	DownloadService   interfaces.DownloadService
	TranscodeService  interfaces.TranscodeService
	CleanupService    *cleanup.Service
	SchedulerService  *scheduler.Service
	RetentionService  interfaces.RetentionService

	// Observability services
	MetricsService interfaces.MetricsService
	HealthService  interfaces.HealthService

	// HTTP handlers
	JobHandler     *handlers.JobHandler
	VideoHandler   *handlers.VideoHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database and artifact directories
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Re-queue interrupted jobs before the dispatch loop starts, so a crash
	// never strands a job in downloading or processing.
	if err := app.SchedulerService.Recover(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}

	if err := app.SchedulerService.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := app.RetentionService.Start(); err != nil {
		return nil, fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	logger.Info().
		Str("working_dir", cfg.Storage.WorkingDir).
		Str("storage_path", cfg.Storage.StoragePath).
		Bool("websocket_enabled", cfg.WebSocket.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase prepares the artifact directories and opens the SQLite store.
func (a *App) initDatabase() error {
	if err := os.MkdirAll(a.Config.Storage.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	if err := os.MkdirAll(a.Config.Storage.StoragePath, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	storageManager, err := sqlite.NewManager(a.Logger, &a.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "sqlite").
		Str("path", a.Config.Storage.DatabasePath()).
		Msg("Storage layer initialized")

	return nil
}

func (a *App) initServices() error {
	workingDir := a.Config.Storage.WorkingDir
	storagePath := a.Config.Storage.StoragePath
	store := a.StorageManager.JobStorage()

	// Event service carries job lifecycle notifications to subscribers
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	// Validation service enforces URL scheme/domain policy and pagination bounds
	a.ValidationService = validation.NewService(&a.Config.Security, a.Logger)
	a.Logger.Debug().
		Int("allowed_domains", len(a.Config.Security.AllowedDomains)).
		Msg("Validation service initialized")

	// Download and transcode wrap the external yt-dlp and ffmpeg binaries
	a.DownloadService = downloader.NewService(&a.Config.Downloader, workingDir, a.Logger)
	a.TranscodeService = transcoder.NewService(&a.Config.Transcoder, workingDir, storagePath, a.Logger)
	a.Logger.Debug().
		Str("downloader", a.Config.Downloader.Command).
		Str("transcoder", a.Config.Transcoder.Command).
		Msg("Pipeline tool services initialized")

	// Cleanup service removes per-job files from both directories
	a.CleanupService = cleanup.NewService(workingDir, storagePath, a.Logger)

	// Metrics service aggregates counters, the history ring and Prometheus export
	a.MetricsService = metrics.NewService(store, a.Logger)
	a.Logger.Debug().Msg("Metrics service initialized")

	// Health service probes database, directories and external binaries
	a.HealthService = health.NewService(
		common.Version,
		a.StorageManager,
		a.DownloadService,
		a.TranscodeService,
		workingDir,
		storagePath,
		a.Logger,
	)

	// Scheduler owns the priority queue and the download/transcode workers
	a.SchedulerService = scheduler.NewService(
		&a.Config.Scheduler,
		store,
		a.DownloadService,
		a.TranscodeService,
		a.CleanupService,
		a.EventService,
		a.MetricsService,
		a.Logger,
	)
	a.Logger.Debug().Msg("Scheduler service initialized")

	// Retention sweeper deletes expired terminal jobs and their artifacts
	a.RetentionService = retention.NewService(
		&a.Config.Retention,
		store,
		a.CleanupService,
		a.EventService,
		a.MetricsService,
		a.Logger,
	)

	return nil
}

func (a *App) initHandlers() error {
	store := a.StorageManager.JobStorage()

	a.JobHandler = handlers.NewJobHandler(store, a.SchedulerService, a.ValidationService, a.Logger)
	a.VideoHandler = handlers.NewVideoHandler(store, a.Logger)
	a.HealthHandler = handlers.NewHealthHandler(a.HealthService, a.Logger)
	a.MetricsHandler = handlers.NewMetricsHandler(a.MetricsService, a.Logger)

	if a.Config.WebSocket.Enabled {
		wsHandler, err := handlers.NewWebSocketHandler(&a.Config.WebSocket, a.EventService, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize websocket handler: %w", err)
		}
		a.WSHandler = wsHandler
		a.Logger.Debug().
			Int("allowed_events", len(a.Config.WebSocket.AllowedEvents)).
			Str("throttle", a.Config.WebSocket.Throttle().String()).
			Msg("WebSocket handler initialized")
	}

	return nil
}

// Close shuts the application down in reverse initialization order.
func (a *App) Close() error {
	// Stop retention first so no sweep races the draining scheduler
	if a.RetentionService != nil {
		a.RetentionService.Stop()
	}

	// Stop scheduler and wait for in-flight pipelines to record terminal states
	if a.SchedulerService != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.SchedulerService.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler cleanly")
		}
		cancel()
	}

	// Close websocket clients
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	// Close event service
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
