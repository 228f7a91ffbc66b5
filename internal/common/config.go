package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration for the aperio service.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Downloader DownloaderConfig `toml:"downloader"`
	Transcoder TranscoderConfig `toml:"transcoder"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Storage    StorageConfig    `toml:"storage"`
	Security   SecurityConfig   `toml:"security"`
	Retention  RetentionConfig  `toml:"retention"`
	Logging    LoggingConfig    `toml:"logging"`
	WebSocket  WebSocketConfig  `toml:"websocket"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                 string   `toml:"host"`
	Port                 int      `toml:"port" validate:"min=1,max=65535"`
	ClientTimeoutSeconds int      `toml:"client_timeout_seconds" validate:"min=1"`
	KeepAliveSeconds     int      `toml:"keep_alive_seconds" validate:"min=1"`
	MaxPayloadBytes      int64    `toml:"max_payload_bytes" validate:"min=1"`
	CORSOrigins          []string `toml:"cors_origins"`
}

// DownloaderConfig holds the external fetcher settings.
type DownloaderConfig struct {
	Command        string `toml:"command" validate:"required"`
	FormatExpr     string `toml:"format_expr"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"min=1"`
	MaxFileSizeMB  int64  `toml:"max_file_size_mb" validate:"min=1"`
}

// TranscoderConfig holds the external encoder settings.
type TranscoderConfig struct {
	Command        string `toml:"command" validate:"required"`
	VideoCodec     string `toml:"video_codec"`
	AudioCodec     string `toml:"audio_codec"`
	Preset         string `toml:"preset"`
	CRF            int    `toml:"crf" validate:"min=0,max=51"`
	AudioBitrate   string `toml:"audio_bitrate"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"min=1"`
}

// SchedulerConfig bounds pipeline concurrency and queue depth.
type SchedulerConfig struct {
	MaxConcurrentDownloads  int `toml:"max_concurrent_downloads" validate:"min=1"`
	MaxConcurrentProcessing int `toml:"max_concurrent_processing" validate:"min=1"`
	MaxConcurrentJobs       int `toml:"max_concurrent_jobs" validate:"min=1"`
	MaxQueueSize            int `toml:"max_queue_size" validate:"min=1"`
}

// StorageConfig holds filesystem and database locations.
type StorageConfig struct {
	StoragePath string       `toml:"storage_path" validate:"required"`
	WorkingDir  string       `toml:"working_dir" validate:"required"`
	SQLite      SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig holds database tuning. An empty Path places the database file
// inside the storage directory.
type SQLiteConfig struct {
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections" validate:"min=1"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms" validate:"min=0"`
	CacheSizeMB    int    `toml:"cache_size_mb" validate:"min=1"`
	WALMode        bool   `toml:"wal_mode"`
}

// SecurityConfig restricts which source URLs are accepted.
type SecurityConfig struct {
	AllowedDomains []string `toml:"allowed_domains" validate:"min=1"`
	MaxURLLength   int      `toml:"max_url_length" validate:"min=1"`
}

// RetentionConfig controls periodic deletion of old terminal jobs.
type RetentionConfig struct {
	Enabled              bool `toml:"enabled"`
	RetentionDays        int  `toml:"retention_days" validate:"min=0"`
	CleanupIntervalHours int  `toml:"cleanup_interval_hours" validate:"min=1"`
}

// LoggingConfig controls log level, format and sinks.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format" validate:"omitempty,oneof=json pretty"`
	TimeFormat string `toml:"time_format"`
	FileOutput bool   `toml:"file_output"`
}

// WebSocketConfig controls the job event stream.
type WebSocketConfig struct {
	Enabled          bool     `toml:"enabled"`
	ThrottleInterval string   `toml:"throttle_interval"`
	AllowedEvents    []string `toml:"allowed_events"`
}

// NewDefaultConfig returns the configuration used when no file or environment
// override is present.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			ClientTimeoutSeconds: 1800,
			KeepAliveSeconds:     1800,
			MaxPayloadBytes:      104857600,
			CORSOrigins:          []string{"*"},
		},
		Downloader: DownloaderConfig{
			Command:        "yt-dlp",
			FormatExpr:     "bestvideo[height<=1080][vcodec^=avc1]+bestaudio[acodec^=mp4a]/best[height<=1080]/best",
			TimeoutSeconds: 900,
			MaxFileSizeMB:  500,
		},
		Transcoder: TranscoderConfig{
			Command:        "ffmpeg",
			VideoCodec:     "libx264",
			AudioCodec:     "aac",
			Preset:         "medium",
			CRF:            23,
			AudioBitrate:   "128k",
			TimeoutSeconds: 900,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentDownloads:  2,
			MaxConcurrentProcessing: 1,
			MaxConcurrentJobs:       2,
			MaxQueueSize:            1000,
		},
		Storage: StorageConfig{
			StoragePath: "./storage",
			WorkingDir:  "./working",
			SQLite: SQLiteConfig{
				Path:           "",
				MaxConnections: defaultDBConnections(),
				BusyTimeoutMS:  5000,
				CacheSizeMB:    64,
				WALMode:        true,
			},
		},
		Security: SecurityConfig{
			AllowedDomains: []string{"youtube.com", "youtu.be", "instagram.com"},
			MaxURLLength:   2048,
		},
		Retention: RetentionConfig{
			Enabled:              true,
			RetentionDays:        30,
			CleanupIntervalHours: 24,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "pretty",
			TimeFormat: "15:04:05",
			FileOutput: true,
		},
		WebSocket: WebSocketConfig{
			Enabled:          true,
			ThrottleInterval: "500ms",
			AllowedEvents:    []string{},
		},
	}
}

// defaultDBConnections sizes the SQLite pool from the host CPU count, clamped
// to a sane range.
func defaultDBConnections() int {
	n := runtime.NumCPU() * 4
	if n < 10 {
		n = 10
	}
	if n > 100 {
		n = 100
	}
	return n
}

// LoadFromFiles loads configuration by merging TOML files over the defaults,
// then applying environment overrides. Missing files are skipped so a plain
// binary with no config file still starts.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies APERIO_* environment variables on top of the
// file-derived configuration. Unparseable values are ignored and the prior
// value kept.
func applyEnvOverrides(config *Config) {
	// Server
	if host := os.Getenv("APERIO_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("APERIO_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if timeout := os.Getenv("APERIO_CLIENT_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Server.ClientTimeoutSeconds = t
		}
	}
	if keepAlive := os.Getenv("APERIO_KEEP_ALIVE"); keepAlive != "" {
		if k, err := strconv.Atoi(keepAlive); err == nil {
			config.Server.KeepAliveSeconds = k
		}
	}
	if payload := os.Getenv("APERIO_MAX_PAYLOAD"); payload != "" {
		if p, err := strconv.ParseInt(payload, 10, 64); err == nil {
			config.Server.MaxPayloadBytes = p
		}
	}
	if origins := os.Getenv("APERIO_CORS_ORIGINS"); origins != "" {
		config.Server.CORSOrigins = splitAndTrim(origins)
	}

	// Downloader
	if cmd := os.Getenv("APERIO_DOWNLOAD_COMMAND"); cmd != "" {
		config.Downloader.Command = cmd
	}
	if format := os.Getenv("APERIO_DOWNLOAD_FORMAT"); format != "" {
		config.Downloader.FormatExpr = format
	}
	if timeout := os.Getenv("APERIO_DOWNLOAD_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Downloader.TimeoutSeconds = t
		}
	}
	if size := os.Getenv("APERIO_MAX_FILE_SIZE_MB"); size != "" {
		if s, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.Downloader.MaxFileSizeMB = s
		}
	}

	// Transcoder
	if cmd := os.Getenv("APERIO_FFMPEG_COMMAND"); cmd != "" {
		config.Transcoder.Command = cmd
	}
	if codec := os.Getenv("APERIO_VIDEO_CODEC"); codec != "" {
		config.Transcoder.VideoCodec = codec
	}
	if codec := os.Getenv("APERIO_AUDIO_CODEC"); codec != "" {
		config.Transcoder.AudioCodec = codec
	}
	if preset := os.Getenv("APERIO_PRESET"); preset != "" {
		config.Transcoder.Preset = preset
	}
	if crf := os.Getenv("APERIO_CRF"); crf != "" {
		if c, err := strconv.Atoi(crf); err == nil {
			config.Transcoder.CRF = c
		}
	}
	if bitrate := os.Getenv("APERIO_AUDIO_BITRATE"); bitrate != "" {
		config.Transcoder.AudioBitrate = bitrate
	}
	if timeout := os.Getenv("APERIO_PROCESSING_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Transcoder.TimeoutSeconds = t
		}
	}

	// Scheduler
	if downloads := os.Getenv("APERIO_MAX_CONCURRENT_DOWNLOADS"); downloads != "" {
		if d, err := strconv.Atoi(downloads); err == nil {
			config.Scheduler.MaxConcurrentDownloads = d
		}
	}
	if processing := os.Getenv("APERIO_MAX_CONCURRENT_PROCESSING"); processing != "" {
		if p, err := strconv.Atoi(processing); err == nil {
			config.Scheduler.MaxConcurrentProcessing = p
		}
	}
	if jobs := os.Getenv("APERIO_MAX_CONCURRENT_JOBS"); jobs != "" {
		if j, err := strconv.Atoi(jobs); err == nil {
			config.Scheduler.MaxConcurrentJobs = j
		}
	}
	if queueSize := os.Getenv("APERIO_MAX_QUEUE_SIZE"); queueSize != "" {
		if q, err := strconv.Atoi(queueSize); err == nil {
			config.Scheduler.MaxQueueSize = q
		}
	}

	// Storage
	if path := os.Getenv("APERIO_STORAGE_PATH"); path != "" {
		config.Storage.StoragePath = path
	}
	if dir := os.Getenv("APERIO_WORKING_DIR"); dir != "" {
		config.Storage.WorkingDir = dir
	}
	if url := os.Getenv("APERIO_DATABASE_URL"); url != "" {
		config.Storage.SQLite.Path = databasePathFromURL(url)
	}
	if conns := os.Getenv("APERIO_DB_MAX_CONNECTIONS"); conns != "" {
		if c, err := strconv.Atoi(conns); err == nil {
			config.Storage.SQLite.MaxConnections = c
		}
	}

	// Security
	if domains := os.Getenv("APERIO_ALLOWED_DOMAINS"); domains != "" {
		config.Security.AllowedDomains = splitAndTrim(domains)
	}
	if length := os.Getenv("APERIO_MAX_URL_LENGTH"); length != "" {
		if l, err := strconv.Atoi(length); err == nil {
			config.Security.MaxURLLength = l
		}
	}

	// Retention
	if enabled := os.Getenv("APERIO_RETENTION_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Retention.Enabled = e
		}
	}
	if days := os.Getenv("APERIO_RETENTION_DAYS"); days != "" {
		if d, err := strconv.Atoi(days); err == nil {
			config.Retention.RetentionDays = d
		}
	}
	if hours := os.Getenv("APERIO_CLEANUP_INTERVAL_HOURS"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil {
			config.Retention.CleanupIntervalHours = h
		}
	}

	// Logging
	if level := os.Getenv("APERIO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("APERIO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if fileOutput := os.Getenv("APERIO_LOG_FILE"); fileOutput != "" {
		if f, err := strconv.ParseBool(fileOutput); err == nil {
			config.Logging.FileOutput = f
		}
	}

	// WebSocket
	if enabled := os.Getenv("APERIO_WEBSOCKET_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.WebSocket.Enabled = e
		}
	}
	if interval := os.Getenv("APERIO_WEBSOCKET_THROTTLE"); interval != "" {
		config.WebSocket.ThrottleInterval = interval
	}
}

// ApplyFlagOverrides applies command line flags on top of file and
// environment configuration. Flags win over everything else.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks field constraints plus the cross-field rules the tag
// validator cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Scheduler.MaxConcurrentJobs < c.Scheduler.MaxConcurrentProcessing {
		return fmt.Errorf("invalid configuration: max_concurrent_jobs (%d) must be at least max_concurrent_processing (%d)",
			c.Scheduler.MaxConcurrentJobs, c.Scheduler.MaxConcurrentProcessing)
	}

	if c.WebSocket.ThrottleInterval != "" {
		if _, err := time.ParseDuration(c.WebSocket.ThrottleInterval); err != nil {
			return fmt.Errorf("invalid configuration: websocket throttle_interval: %w", err)
		}
	}

	return nil
}

// ClientTimeout is the HTTP read/write deadline.
func (s *ServerConfig) ClientTimeout() time.Duration {
	return time.Duration(s.ClientTimeoutSeconds) * time.Second
}

// KeepAlive is the idle connection keep-alive period.
func (s *ServerConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSeconds) * time.Second
}

// Timeout is the wall-clock budget for one download attempt.
func (d *DownloaderConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// MaxFileSizeBytes is the download size cap in bytes.
func (d *DownloaderConfig) MaxFileSizeBytes() int64 {
	return d.MaxFileSizeMB * 1024 * 1024
}

// Timeout is the wall-clock budget for one encode run.
func (t *TranscoderConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// CleanupInterval is the period between retention sweeps.
func (r *RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalHours) * time.Hour
}

// MaxAge is the retention horizon for terminal jobs.
func (r *RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.RetentionDays) * 24 * time.Hour
}

// DatabasePath resolves the SQLite file location, defaulting to a file inside
// the storage directory when no explicit path is configured.
func (s *StorageConfig) DatabasePath() string {
	if s.SQLite.Path != "" {
		return s.SQLite.Path
	}
	return filepath.Join(s.StoragePath, "aperio.db")
}

// Throttle parses the configured throttle interval, falling back to a safe
// default when unset or invalid.
func (w *WebSocketConfig) Throttle() time.Duration {
	if w.ThrottleInterval == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(w.ThrottleInterval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// databasePathFromURL strips an optional sqlite scheme so both plain paths
// and sqlite://path URLs are accepted. sqlite:///a/b keeps its leading slash.
func databasePathFromURL(url string) string {
	if strings.HasPrefix(url, "sqlite://") {
		return strings.TrimPrefix(url, "sqlite://")
	}
	return strings.TrimPrefix(url, "sqlite:")
}

// splitAndTrim splits a comma separated list and trims whitespace, dropping
// empty entries.
func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
