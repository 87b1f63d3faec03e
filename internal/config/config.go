package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired    = errors.New("missing required configuration")
	ErrInvalidTimeouts    = errors.New("invalid timeout configuration")
	ErrInvalidConcurrency = errors.New("invalid concurrency configuration")
	ErrInvalidBackend     = errors.New("invalid queue backend")
)

const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"quantforge"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"quantforge"`

	NSQDHost string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	QueueBackend string `envconfig:"QUEUE_BACKEND" default:"memory"`
	RedisURL     string `envconfig:"REDIS_URL" default:"redis://redis:6379/0"`
	RedisPrefix  string `envconfig:"REDIS_PREFIX" default:"quantforge:"`

	EnableAPI       bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker    bool `envconfig:"ENABLE_WORKER" default:"true"`
	EnableMonitor   bool `envconfig:"ENABLE_MONITOR" default:"true"`
	EnableRetention bool `envconfig:"ENABLE_RETENTION" default:"true"`

	// Worker pool
	WorkerMaxConcurrent int           `envconfig:"WORKER_MAX_CONCURRENT" default:"2"`
	WorkerPollInterval  time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	JobTimeout          time.Duration `envconfig:"JOB_TIMEOUT" default:"1h"`
	WorkDir             string        `envconfig:"WORK_DIR" default:"./data/work"`

	// Stuck-job monitor. ProcessingTimeout must exceed JobTimeout plus SafetyMargin
	// so the pool always fails its own jobs before the monitor does.
	MonitorSweepInterval     time.Duration `envconfig:"MONITOR_SWEEP_INTERVAL" default:"5m"`
	MonitorProcessingTimeout time.Duration `envconfig:"MONITOR_PROCESSING_TIMEOUT" default:"2h"`
	MonitorSafetyMargin      time.Duration `envconfig:"MONITOR_SAFETY_MARGIN" default:"10m"`

	StorageRoot   string   `envconfig:"STORAGE_ROOT" default:"./data/storage"`
	EngineCommand string   `envconfig:"ENGINE_COMMAND" default:"quantize"`
	EngineArgs    []string `envconfig:"ENGINE_ARGS"`

	RetentionSchedule  string `envconfig:"RETENTION_SCHEDULE" default:"0 3 * * *"`
	JobRetentionDays   int    `envconfig:"JOB_RETENTION_DAYS" default:"30"`
	TempRetentionHours int    `envconfig:"TEMP_RETENTION_HOURS" default:"24"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Server
	ServerPort         int      `envconfig:"SERVER_PORT" default:"8081"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: REDIS_URL", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.QueueBackend)
	}

	if c.EnableWorker {
		if c.WorkerMaxConcurrent < 1 {
			return fmt.Errorf("%w: WORKER_MAX_CONCURRENT must be >= 1", ErrInvalidConcurrency)
		}
		if c.EngineCommand == "" {
			return fmt.Errorf("%w: ENGINE_COMMAND", ErrMissingRequired)
		}
	}
	if c.WorkerPollInterval <= 0 || c.JobTimeout <= 0 || c.MonitorSweepInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidTimeouts)
	}
	if c.MonitorSafetyMargin < 0 {
		return fmt.Errorf("%w: MONITOR_SAFETY_MARGIN must not be negative", ErrInvalidTimeouts)
	}
	if c.MonitorProcessingTimeout <= c.JobTimeout+c.MonitorSafetyMargin {
		return fmt.Errorf("%w: MONITOR_PROCESSING_TIMEOUT (%s) must exceed JOB_TIMEOUT (%s) + MONITOR_SAFETY_MARGIN (%s)",
			ErrInvalidTimeouts, c.MonitorProcessingTimeout, c.JobTimeout, c.MonitorSafetyMargin)
	}
	if c.JobRetentionDays < 1 || c.TempRetentionHours < 1 {
		return fmt.Errorf("%w: retention must be positive", ErrInvalidTimeouts)
	}
	return nil
}
