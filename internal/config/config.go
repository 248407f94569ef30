// Package config loads the worker/enginectl configuration from an optional
// YAML file overlaid with environment variables, following the same
// file-then-env layering the teacher's pkg/config uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the Postgres connection.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// QueueConfig controls the outbound/inbound "process task" queue transport.
type QueueConfig struct {
	Driver     string `yaml:"driver" env:"QUEUE_DRIVER"` // "redis" or "memory"
	RedisAddr  string `yaml:"redis_addr" env:"QUEUE_REDIS_ADDR"`
	RedisDB    int    `yaml:"redis_db" env:"QUEUE_REDIS_DB"`
	ListKey    string `yaml:"list_key" env:"QUEUE_LIST_KEY"`
}

// ExecutorConfig controls step execution concurrency (§4.4 backpressure).
type ExecutorConfig struct {
	MaxConcurrentStepsPerTask int `yaml:"max_concurrent_steps_per_task" env:"EXECUTOR_MAX_CONCURRENT_STEPS_PER_TASK"`
	HandlerTimeoutSeconds     int `yaml:"handler_timeout_seconds" env:"EXECUTOR_HANDLER_TIMEOUT_SECONDS"`
}

// SweeperConfig controls the optional in-process backoff poller (§4.6,
// "re-enqueue with a delay").
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled" env:"SWEEPER_ENABLED"`
	Schedule string `yaml:"schedule" env:"SWEEPER_SCHEDULE"` // robfig/cron expression
}

// Config is the top-level configuration for cmd/worker and cmd/enginectl.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Queue    QueueConfig    `yaml:"queue"`
	Executor ExecutorConfig `yaml:"executor"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "workflow-engine",
		},
		Queue: QueueConfig{
			Driver:    "memory",
			RedisAddr: "127.0.0.1:6379",
			ListKey:   "workflow:process-task",
		},
		Executor: ExecutorConfig{
			MaxConcurrentStepsPerTask: 0, // 0 => resolved from host CPU count
			HandlerTimeoutSeconds:     30,
		},
		Sweeper: SweeperConfig{
			Enabled:  false,
			Schedule: "@every 5s",
		},
	}
}

// Load reads an optional .env file, an optional YAML file (from
// CONFIG_FILE or ./configs/config.yaml), and finally env var overrides, in
// that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
