// Package config loads pipeline configuration from the environment, with
// optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the pipeline. The storage path is the only
// required value; everything else has a default.
type Config struct {
	// StoragePath is the agent runtime's storage root. Must exist and be a
	// directory; resolved to an absolute path at load time.
	StoragePath string

	// DatabasePath is the embedded store's database file. Empty means
	// in-memory (tests).
	DatabasePath string

	// HTTPPort is the listen port of the read-only query API.
	HTTPPort string

	// ReconcilerInterval is how often the reconciler scans for missed files.
	ReconcilerInterval time.Duration

	// ReconcilerMaxFilesPerScan bounds the work of one reconciler scan.
	ReconcilerMaxFilesPerScan int

	// WatcherDebounce coalesces bursts of events for the same path.
	WatcherDebounce time.Duration

	// BulkMemoryLimit is handed to the store for the bulk phase (e.g. "4GB").
	BulkMemoryLimit string

	// MaxRefreshAge is how stale the ledger may be before NeedsRefresh
	// reports true.
	MaxRefreshAge time.Duration

	// IngestWorkers is the number of incremental-loader workers.
	IngestWorkers int

	// CleanupInterval is how often ledger retention maintenance runs.
	CleanupInterval time.Duration

	// FailedRetention is how long failed ledger rows are kept before the
	// cleanup service releases them for retry.
	FailedRetention time.Duration

	// GracefulShutdownTimeout bounds the wait for background loops on stop.
	GracefulShutdownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file next to the
// working directory is honored when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		StoragePath:               os.Getenv("AGENTLENS_STORAGE_PATH"),
		DatabasePath:              getEnvOrDefault("AGENTLENS_DATABASE_PATH", defaultDatabasePath()),
		HTTPPort:                  getEnvOrDefault("AGENTLENS_HTTP_PORT", "8685"),
		ReconcilerInterval:        getEnvSeconds("AGENTLENS_RECONCILER_INTERVAL_SECONDS", 30),
		ReconcilerMaxFilesPerScan: getEnvInt("AGENTLENS_RECONCILER_MAX_FILES_PER_SCAN", 10000),
		WatcherDebounce:           getEnvMillis("AGENTLENS_WATCHER_DEBOUNCE_MS", 250),
		BulkMemoryLimit:           getEnvOrDefault("AGENTLENS_BULK_MEMORY_LIMIT", "4GB"),
		MaxRefreshAge:             time.Duration(getEnvInt("AGENTLENS_MAX_REFRESH_AGE_HOURS", 24)) * time.Hour,
		IngestWorkers:             getEnvInt("AGENTLENS_INGEST_WORKERS", 2),
		CleanupInterval:           time.Duration(getEnvInt("AGENTLENS_CLEANUP_INTERVAL_HOURS", 6)) * time.Hour,
		FailedRetention:           time.Duration(getEnvInt("AGENTLENS_FAILED_RETENTION_HOURS", 24)) * time.Hour,
		GracefulShutdownTimeout:   getEnvSeconds("AGENTLENS_SHUTDOWN_TIMEOUT_SECONDS", 15),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required knobs and absolutizes the storage path.
// A missing or non-directory storage path is fatal at startup.
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("AGENTLENS_STORAGE_PATH is required")
	}
	abs, err := filepath.Abs(c.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to resolve storage path %q: %w", c.StoragePath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("storage path %q: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %q is not a directory", abs)
	}
	c.StoragePath = abs

	if c.ReconcilerInterval <= 0 {
		return fmt.Errorf("reconciler interval must be positive, got %s", c.ReconcilerInterval)
	}
	if c.ReconcilerMaxFilesPerScan <= 0 {
		return fmt.Errorf("reconciler max files per scan must be positive, got %d", c.ReconcilerMaxFilesPerScan)
	}
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = 1
	}
	return nil
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentlens.db"
	}
	return filepath.Join(home, ".agentlens", "agentlens.db")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Second
}

func getEnvMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Millisecond
}
