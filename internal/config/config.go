package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the gwasflow server and CLI.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Storage      StorageConfig
	Batch        BatchConfig
	Orchestrator OrchestratorConfig
}

type ServerConfig struct {
	Port               int    `envconfig:"GWASFLOW_PORT" default:"8080"`
	Env                string `envconfig:"GWASFLOW_ENV" default:"development"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	MigrationsDir      string `envconfig:"MIGRATIONS_DIR" default:"migrations"`
	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

type DatabaseConfig struct {
	URL             string        `envconfig:"DATABASE_URL"`
	MaxOpenConns    int           `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DATABASE_CONN_MAX_LIFETIME" default:"5m"`
}

type RedisConfig struct {
	URL string `envconfig:"REDIS_URL"`
}

// StorageConfig points at the S3-compatible object store holding inputs and results.
type StorageConfig struct {
	Endpoint      string `envconfig:"S3_ENDPOINT"`
	AccessKey     string `envconfig:"S3_ACCESS_KEY"`
	SecretKey     string `envconfig:"S3_SECRET_KEY"`
	Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	UseSSL        bool   `envconfig:"S3_USE_SSL" default:"true"`
	ResultsBucket string `envconfig:"RESULTS_BUCKET"`
}

type BatchConfig struct {
	Mode           string        `envconfig:"BATCH_MODE" default:"http"`
	BaseURL        string        `envconfig:"BATCH_BASE_URL"`
	Queue          string        `envconfig:"BATCH_QUEUE"`
	JobDefinition  string        `envconfig:"BATCH_JOB_DEFINITION" default:"GwasRegenieJobDefinitionRef"`
	RequestTimeout time.Duration `envconfig:"BATCH_REQUEST_TIMEOUT" default:"30s"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	LocalSlots     int           `envconfig:"BATCH_LOCAL_SLOTS" default:"4"`
}

type OrchestratorConfig struct {
	Phase2Concurrency    int           `envconfig:"PHASE2_CONCURRENCY" default:"50"`
	JobTimeout           time.Duration `envconfig:"JOB_TIMEOUT" default:"6h"`
	StepTimeout          time.Duration `envconfig:"STEP_TIMEOUT" default:"48h"`
	CancelPollInterval   time.Duration `envconfig:"CANCEL_POLL_INTERVAL" default:"15s"`
	DrainTimeout         time.Duration `envconfig:"DRAIN_TIMEOUT" default:"5m"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"30s"`
	RetryMaxElapsed      time.Duration `envconfig:"RETRY_MAX_ELAPSED" default:"2m"`
	InputMount           string        `envconfig:"FSX_INPUT_MOUNT_PATH" default:"/mnt/fsx/input"`
	OutputMount          string        `envconfig:"FSX_OUTPUT_MOUNT_PATH" default:"/mnt/fsx/output"`
	WorkflowTTL          time.Duration `envconfig:"WORKFLOW_TTL" default:"720h"`
}

const (
	BatchModeHTTP  = "http"
	BatchModeLocal = "local"
)

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	return load(true)
}

// LoadStandalone is Load without the database and Redis requirements, for
// single workflow runs backed by the in-memory store.
func LoadStandalone() (*Config, error) {
	return load(false)
}

func load(requireServices bool) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(requireServices); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return validLogLevels[strings.ToLower(c.Server.LogLevel)]
}

func (c *Config) validate(requireServices bool) error {
	if requireServices {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	}

	if _, ok := validLogLevels[strings.ToLower(c.Server.LogLevel)]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	switch c.Batch.Mode {
	case BatchModeHTTP:
		if c.Batch.BaseURL == "" {
			return fmt.Errorf("BATCH_BASE_URL is required when BATCH_MODE is http")
		}
		if !strings.HasPrefix(c.Batch.BaseURL, "http://") && !strings.HasPrefix(c.Batch.BaseURL, "https://") {
			return fmt.Errorf("BATCH_BASE_URL must start with http:// or https://, got %q", c.Batch.BaseURL)
		}
	case BatchModeLocal:
		if c.Batch.LocalSlots < 1 {
			return fmt.Errorf("BATCH_LOCAL_SLOTS must be at least 1, got %d", c.Batch.LocalSlots)
		}
	default:
		return fmt.Errorf("BATCH_MODE must be one of http, local; got %q", c.Batch.Mode)
	}

	if c.Orchestrator.Phase2Concurrency < 1 {
		return fmt.Errorf("PHASE2_CONCURRENCY must be at least 1, got %d", c.Orchestrator.Phase2Concurrency)
	}
	if c.Orchestrator.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.Orchestrator.StepTimeout <= c.Orchestrator.JobTimeout {
		return fmt.Errorf("STEP_TIMEOUT (%s) must be longer than JOB_TIMEOUT (%s)",
			c.Orchestrator.StepTimeout, c.Orchestrator.JobTimeout)
	}
	if c.Batch.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	return nil
}
