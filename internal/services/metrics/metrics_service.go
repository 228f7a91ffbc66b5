package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

// maxHistoryEntries bounds the snapshot ring; when full the oldest batch is
// dropped so appends stay amortized O(1).
const (
	maxHistoryEntries = 1000
	historyDropBatch  = 100
)

// Service collects counters twice over: a Prometheus registry for scrapers
// and plain counters behind the JSON snapshot endpoints.
type Service struct {
	startedAt time.Time
	storage   interfaces.JobStorage
	logger    arbor.ILogger

	registry          *prometheus.Registry
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	jobsAdmitted      *prometheus.CounterVec
	jobsTerminal      *prometheus.CounterVec
	processingSeconds prometheus.Histogram
	downloads         *prometheus.CounterVec
	downloadSeconds   prometheus.Histogram
	downloadBytes     prometheus.Counter
	transcodes        *prometheus.CounterVec
	transcodeSeconds  prometheus.Histogram
	queueDepth        prometheus.Gauge
	activeDownloads   prometheus.Gauge
	activeProcessing  prometheus.Gauge
	retentionSweeps   prometheus.Counter
	retentionDeleted  prometheus.Counter
	retentionBytes    prometheus.Counter

	mu               sync.Mutex
	admitted         int64
	completed        int64
	failed           int64
	cancelled        int64
	httpServed       int64
	bytesDownloaded  int64
	bytesReclaimed   int64
	sweeps           int64
	recordsDeleted   int64
	processingSum    float64
	processingCount  int64
	downloadSum      float64
	downloadCount    int64
	queueDepthNow    int
	activeDownload   int
	activeProcessNow int
	history          []models.MetricsSnapshot
}

// NewService creates a metrics service backed by a private Prometheus
// registry. storage supplies live per-status job counts for snapshots.
func NewService(storage interfaces.JobStorage, logger arbor.ILogger) interfaces.MetricsService {
	registry := prometheus.NewRegistry()

	s := &Service{
		startedAt: time.Now(),
		storage:   storage,
		logger:    logger,
		registry:  registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests grouped by method, route, and status code.",
		}, []string{"method", "path", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aperio",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		jobsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "jobs_admitted_total",
			Help:      "Jobs accepted for processing, by priority.",
		}, []string{"priority"}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "jobs_terminal_total",
			Help:      "Jobs reaching a terminal status.",
		}, []string{"status"}),
		processingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aperio",
			Name:      "job_processing_duration_seconds",
			Help:      "End-to-end duration from download start to completion.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "downloads_total",
			Help:      "Source downloads by outcome.",
		}, []string{"outcome"}),
		downloadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aperio",
			Name:      "download_duration_seconds",
			Help:      "Duration of source downloads.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "download_bytes_total",
			Help:      "Bytes fetched by successful downloads.",
		}),
		transcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "transcodes_total",
			Help:      "Transcode runs by outcome.",
		}, []string{"outcome"}),
		transcodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aperio",
			Name:      "transcode_duration_seconds",
			Help:      "Duration of transcode runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aperio",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the priority queue.",
		}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aperio",
			Name:      "active_downloads",
			Help:      "Downloads currently holding a permit.",
		}),
		activeProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aperio",
			Name:      "active_processing",
			Help:      "Transcodes currently holding a permit.",
		}),
		retentionSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "retention_sweeps_total",
			Help:      "Completed retention sweeper cycles.",
		}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "retention_records_deleted_total",
			Help:      "Job records deleted by the retention sweeper.",
		}),
		retentionBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aperio",
			Name:      "retention_bytes_reclaimed_total",
			Help:      "Bytes reclaimed by the retention sweeper.",
		}),
	}

	registry.MustRegister(
		s.httpRequests, s.httpDuration,
		s.jobsAdmitted, s.jobsTerminal, s.processingSeconds,
		s.downloads, s.downloadSeconds, s.downloadBytes,
		s.transcodes, s.transcodeSeconds,
		s.queueDepth, s.activeDownloads, s.activeProcessing,
		s.retentionSweeps, s.retentionDeleted, s.retentionBytes,
	)

	return s
}

// Snapshot builds the current JSON view and archives it into the history
// ring. Per-status counts come live from storage; a storage failure degrades
// to an empty map rather than failing the endpoint.
func (s *Service) Snapshot(ctx context.Context) (*models.MetricsSnapshot, error) {
	jobsByStatus := make(map[string]int64)
	if counts, err := s.storage.CountJobsByStatus(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Status counts unavailable for metrics snapshot")
	} else {
		for status, count := range counts {
			jobsByStatus[string(status)] = count
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := models.MetricsSnapshot{
		Timestamp:          time.Now().UTC(),
		UptimeSec:          int64(time.Since(s.startedAt).Seconds()),
		JobsByStatus:       jobsByStatus,
		JobsAdmitted:       s.admitted,
		JobsCompleted:      s.completed,
		JobsFailed:         s.failed,
		JobsCancelled:      s.cancelled,
		QueueDepth:         s.queueDepthNow,
		ActiveDownloads:    s.activeDownload,
		ActiveProcessing:   s.activeProcessNow,
		BytesDownloaded:    s.bytesDownloaded,
		BytesReclaimed:     s.bytesReclaimed,
		RetentionSweeps:    s.sweeps,
		RetentionDeleted:   s.recordsDeleted,
		AvgProcessingSec:   average(s.processingSum, s.processingCount),
		AvgDownloadSec:     average(s.downloadSum, s.downloadCount),
		HTTPRequestsServed: s.httpServed,
	}

	s.history = append(s.history, snapshot)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[historyDropBatch:]
	}

	return &snapshot, nil
}

// History returns archived snapshots, oldest first.
func (s *Service) History() *models.MetricsHistory {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]models.MetricsSnapshot, len(s.history))
	copy(entries, s.history)
	return &models.MetricsHistory{Entries: entries, Count: len(entries)}
}

// PrometheusHandler serves the exposition format from the private registry.
func (s *Service) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Service) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	method = sanitizeLabel(method, "unknown")
	path = sanitizeLabel(path, "unknown")
	s.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	s.httpDuration.WithLabelValues(method, path).Observe(durationSeconds(duration))

	s.mu.Lock()
	s.httpServed++
	s.mu.Unlock()
}

func (s *Service) JobAdmitted(priority models.JobPriority) {
	s.jobsAdmitted.WithLabelValues(string(priority)).Inc()

	s.mu.Lock()
	s.admitted++
	s.mu.Unlock()
}

func (s *Service) JobTerminal(status models.JobStatus, processingSeconds float64) {
	s.jobsTerminal.WithLabelValues(string(status)).Inc()
	if processingSeconds > 0 {
		s.processingSeconds.Observe(processingSeconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case models.JobStatusCompleted:
		s.completed++
	case models.JobStatusFailed:
		s.failed++
	case models.JobStatusCancelled:
		s.cancelled++
	}
	if processingSeconds > 0 {
		s.processingSum += processingSeconds
		s.processingCount++
	}
}

func (s *Service) DownloadFinished(outcome string, bytes int64, duration time.Duration) {
	s.downloads.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	s.downloadSeconds.Observe(durationSeconds(duration))
	if bytes > 0 {
		s.downloadBytes.Add(float64(bytes))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes > 0 {
		s.bytesDownloaded += bytes
	}
	if outcome == "success" {
		s.downloadSum += duration.Seconds()
		s.downloadCount++
	}
}

func (s *Service) TranscodeFinished(outcome string, duration time.Duration) {
	s.transcodes.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	s.transcodeSeconds.Observe(durationSeconds(duration))
}

func (s *Service) SetQueueDepth(depth int) {
	s.queueDepth.Set(float64(depth))

	s.mu.Lock()
	s.queueDepthNow = depth
	s.mu.Unlock()
}

func (s *Service) SetActiveWorkers(downloads, processing int) {
	s.activeDownloads.Set(float64(downloads))
	s.activeProcessing.Set(float64(processing))

	s.mu.Lock()
	s.activeDownload = downloads
	s.activeProcessNow = processing
	s.mu.Unlock()
}

func (s *Service) RetentionCompleted(report *models.RetentionReport) {
	s.retentionSweeps.Inc()
	s.retentionDeleted.Add(float64(report.RecordsDeleted))
	s.retentionBytes.Add(float64(report.BytesReclaimed))

	s.mu.Lock()
	s.sweeps++
	s.recordsDeleted += int64(report.RecordsDeleted)
	s.bytesReclaimed += report.BytesReclaimed
	s.mu.Unlock()
}

func average(sum float64, count int64) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

func sanitizeLabel(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == ':' || r == '.' || r == '-' || r == '_' || r == '{' || r == '}' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
