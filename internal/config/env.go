package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// StorageConfig defines the on-disk file custody layer.
type StorageConfig struct {
	Root          string
	MaxFileSize   int64
	RetentionAge  time.Duration
	ZipMaxEntries int
	ZipMaxBytes   int64
	ZipMaxRatio   int64
}

// QueueConfig defines queue connectivity and admission limits.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	HighWater    int64
	Fair         bool
	PollInterval time.Duration
}

// WorkerConfig defines the processing pool behavior and limits.
type WorkerConfig struct {
	Concurrency     int
	SoftTimeLimit   time.Duration
	HardTimeLimit   time.Duration
	DrainTimeout    time.Duration
	RecycleAfter    int
	CleanupInterval time.Duration
	ProgressMinGap  time.Duration
}

// ImposeConfig defines imposition engine defaults and record retention.
type ImposeConfig struct {
	RenderMode  string // "raster" | "vector"
	MinDPI      int
	MaxMemoryMB int64
	RecordTTL   time.Duration
	TerminalTTL time.Duration
}

// Config is the top-level immutable configuration, parsed once at startup.
type Config struct {
	Port    string
	Logging LoggingConfig
	Axiom   AxiomConfig
	Storage StorageConfig
	Queue   QueueConfig
	Worker  WorkerConfig
	Impose  ImposeConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Port = getEnv("PORT", "8080")

	// Logging defaults
	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/invoiceimposer.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	// Axiom defaults
	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_invoiceimposer",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	// Storage defaults
	cfg.Storage = StorageConfig{
		Root:          getEnv("STORAGE_ROOT", "./storage"),
		MaxFileSize:   parseInt64(getEnv("MAX_FILE_SIZE", "52428800"), 52428800), // 50MB
		RetentionAge:  time.Duration(parseInt(getEnv("RETENTION_HOURS", "24"), 24)) * time.Hour,
		ZipMaxEntries: parseInt(getEnv("ZIP_MAX_ENTRIES", "1000"), 1000),
		ZipMaxBytes:   parseInt64(getEnv("ZIP_MAX_BYTES", "524288000"), 524288000), // 500MB
		ZipMaxRatio:   parseInt64(getEnv("ZIP_MAX_RATIO", "100"), 100),
	}

	// Queue defaults. QUEUE_URL is the documented name; REDIS_URL is the
	// deployment alias used by docker-compose setups.
	queueURL := getEnv("QUEUE_URL", "")
	if queueURL == "" {
		queueURL = getEnv("REDIS_URL", "redis://localhost:6379")
	}
	cfg.Queue = QueueConfig{
		RedisURL:     queueURL,
		Stream:       getEnv("QUEUE_STREAM", "jobs:impose:tasks"),
		Group:        getEnv("QUEUE_GROUP", "workers:impose"),
		HighWater:    parseInt64(getEnv("QUEUE_HIGH_WATER", "100"), 100),
		Fair:         parseBool(getEnv("FAIR_SCHEDULING", "0")),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "200ms"), 200*time.Millisecond),
	}

	// Worker defaults
	cfg.Worker = WorkerConfig{
		Concurrency:     parseInt(getEnv("MAX_CONCURRENT_TASKS", "4"), 4),
		SoftTimeLimit:   time.Duration(parseInt(getEnv("SOFT_TIME_LIMIT_SECONDS", "3300"), 3300)) * time.Second,
		HardTimeLimit:   time.Duration(parseInt(getEnv("HARD_TIME_LIMIT_SECONDS", "3600"), 3600)) * time.Second,
		DrainTimeout:    time.Duration(parseInt(getEnv("DRAIN_TIMEOUT_SECONDS", "30"), 30)) * time.Second,
		RecycleAfter:    parseInt(getEnv("WORKER_RECYCLE_AFTER", "50"), 50),
		CleanupInterval: time.Duration(parseInt(getEnv("CLEANUP_INTERVAL_HOURS", "6"), 6)) * time.Hour,
		ProgressMinGap:  parseDuration(getEnv("PROGRESS_MIN_INTERVAL", "500ms"), 500*time.Millisecond),
	}
	if cfg.Worker.SoftTimeLimit >= cfg.Worker.HardTimeLimit {
		cfg.Worker.SoftTimeLimit = cfg.Worker.HardTimeLimit * 9 / 10
	}

	// Imposition defaults
	cfg.Impose = ImposeConfig{
		RenderMode:  strings.ToLower(getEnv("RENDER_MODE", "raster")),
		MinDPI:      parseInt(getEnv("MIN_DPI", "300"), 300),
		MaxMemoryMB: parseInt64(getEnv("MAX_COMPOSE_MEMORY_MB", "2048"), 2048),
		RecordTTL:   time.Duration(parseInt(getEnv("RECORD_TTL_HOURS", "24"), 24)) * time.Hour,
		TerminalTTL: time.Duration(parseInt(getEnv("TERMINAL_TTL_HOURS", "6"), 6)) * time.Hour,
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
