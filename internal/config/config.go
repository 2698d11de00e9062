// Package config loads process configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the api and worker binaries.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Blob     BlobConfig     `yaml:"blob"`
	Workers  WorkersConfig  `yaml:"workers"`
	Import   ImportConfig   `yaml:"import"`
	Analysis AnalysisConfig `yaml:"analysis"`
	ECO      ECOConfig      `yaml:"eco"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" env-default:":8007"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"-" env:"DATABASE_URL"` // Secret - not in YAML
	MaxConnections  int32         `yaml:"max_connections" env:"DATABASE_MAX_CONNECTIONS" env-default:"25"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"DATABASE_MAX_CONN_LIFETIME" env-default:"1h"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START" env-default:"true"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password  string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"chessdb"`
}

// QueueConfig selects the job transport.
type QueueConfig struct {
	Backend     string `yaml:"backend" env:"QUEUE_BACKEND" env-default:"memory"` // memory or redis
	MaxAttempts int    `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS" env-default:"5"`
}

// BlobConfig selects the artifact store.
type BlobConfig struct {
	Backend  string `yaml:"backend" env:"BLOB_BACKEND" env-default:"local"` // local or gcs
	Bucket   string `yaml:"bucket" env:"BLOB_BUCKET" env-default:"chessdb"`
	Project  string `yaml:"project" env:"BLOB_PROJECT" env-default:""`
	Endpoint string `yaml:"endpoint" env:"BLOB_ENDPOINT" env-default:""` // emulator endpoint for gcs
	LocalDir string `yaml:"local_dir" env:"BLOB_LOCAL_DIR" env-default:"./data/blobs"`
}

// WorkersConfig sizes the per-queue worker pools.
type WorkersConfig struct {
	Import   int `yaml:"import" env:"WORKERS_IMPORT" env-default:"4"`
	Export   int `yaml:"export" env:"WORKERS_EXPORT" env-default:"2"`
	Analysis int `yaml:"analysis" env:"WORKERS_ANALYSIS" env-default:"2"`
	Backfill int `yaml:"backfill" env:"WORKERS_BACKFILL" env-default:"1"`
}

type ImportConfig struct {
	ProgressEvery int   `yaml:"progress_every" env:"IMPORT_PROGRESS_EVERY" env-default:"100"`
	MaxGameBytes  int   `yaml:"max_game_bytes" env:"IMPORT_MAX_GAME_BYTES" env-default:"4194304"`
	MaxUpload     int64 `yaml:"max_upload" env:"IMPORT_MAX_UPLOAD" env-default:"536870912"`

	// Folder watcher; disabled while WatchDir is empty.
	WatchDir      string        `yaml:"watch_dir" env:"IMPORT_WATCH_DIR" env-default:""`
	ProcessedDir  string        `yaml:"processed_dir" env:"IMPORT_PROCESSED_DIR" env-default:""`
	WatchUser     string        `yaml:"watch_user" env:"IMPORT_WATCH_USER" env-default:""`
	WatchStrict   bool          `yaml:"watch_strict" env:"IMPORT_WATCH_STRICT" env-default:"false"`
	WatchInterval time.Duration `yaml:"watch_interval" env:"IMPORT_WATCH_INTERVAL" env-default:"10s"`
}

type AnalysisConfig struct {
	EnginePath         string        `yaml:"engine_path" env:"STOCKFISH_PATH" env-default:"stockfish"`
	EngineName         string        `yaml:"engine_name" env:"ANALYSIS_ENGINE_NAME" env-default:"stockfish"`
	Threads            int           `yaml:"threads" env:"ANALYSIS_THREADS" env-default:"2"`
	HashMB             int           `yaml:"hash_mb" env:"ANALYSIS_HASH_MB" env-default:"256"`
	DefaultDepth       int           `yaml:"default_depth" env:"ANALYSIS_DEFAULT_DEPTH" env-default:"20"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval" env:"ANALYSIS_CANCEL_POLL_INTERVAL" env-default:"500ms"`
	StreamInterval     time.Duration `yaml:"stream_interval" env:"ANALYSIS_STREAM_INTERVAL" env-default:"1s"`
}

type ECOConfig struct {
	Dir string `yaml:"dir" env:"ECO_DIR" env-default:""`
}

// Load reads path (if it exists) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return cfg, cfg.Validate()
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromEnv reads configuration from environment variables only.
func FromEnv() (*Config, error) {
	return Load("")
}

// Validate rejects unknown backends and empty pools.
func (c *Config) Validate() error {
	var errs []error
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	switch c.Blob.Backend {
	case "local", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}
	pools := map[string]int{
		"import":   c.Workers.Import,
		"export":   c.Workers.Export,
		"analysis": c.Workers.Analysis,
		"backfill": c.Workers.Backfill,
	}
	for name, n := range pools {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("workers.%s must be positive, got %d", name, n))
		}
	}
	if c.Import.ProgressEvery <= 0 {
		errs = append(errs, errors.New("import.progress_every must be positive"))
	}
	if c.Import.WatchDir != "" && c.Import.WatchUser == "" {
		errs = append(errs, errors.New("import.watch_user is required when import.watch_dir is set"))
	}
	if c.Analysis.CancelPollInterval <= 0 {
		errs = append(errs, errors.New("analysis.cancel_poll_interval must be positive"))
	}
	return errors.Join(errs...)
}
