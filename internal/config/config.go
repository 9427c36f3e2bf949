// Package config loads the runtime configuration of the chronicle service.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and CHRONICLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/chronicle/pkg/api"
)

// Backend names accepted in Storage.Backend and Queue.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Environment variables that override file values.
const (
	EnvBackend   = "CHRONICLE_BACKEND"
	EnvDSN       = "CHRONICLE_DSN"
	EnvHTTPAddr  = "CHRONICLE_HTTP_ADDR"
	EnvLogLevel  = "CHRONICLE_LOG_LEVEL"
	EnvTaskQueue = "CHRONICLE_TASK_QUEUE"
)

// StorageConfig selects where events and executions live.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`

	// Database is the MongoDB database name.
	Database string `yaml:"database,omitempty"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// QueueConfig selects the task queue backend. An empty Backend reuses the
// storage connection, which works for every backend but redis.
type QueueConfig struct {
	Backend string `yaml:"backend,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

// WorkerConfig sizes the task pollers of this process.
type WorkerConfig struct {
	TaskQueue       string        `yaml:"task_queue"`
	WorkflowPollers int           `yaml:"workflow_pollers"`
	ActivityPollers int           `yaml:"activity_pollers"`
	Visibility      time.Duration `yaml:"visibility"`
}

// HTTPConfig configures the read-only observability server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config models chronicle.yaml.
type Config struct {
	Storage  StorageConfig `yaml:"storage"`
	Queue    QueueConfig   `yaml:"queue"`
	Worker   WorkerConfig  `yaml:"worker"`
	HTTP     HTTPConfig    `yaml:"http"`
	LogLevel string        `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful stop of workers and the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given: everything
// in memory, one process.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:   BackendMemory,
			Database:  "chronicle",
			KeyPrefix: "chronicle:",
		},
		Worker: WorkerConfig{
			TaskQueue:       api.DefaultTaskQueue,
			WorkflowPollers: 2,
			ActivityPollers: 8,
			Visibility:      30 * time.Second,
		},
		HTTP:            HTTPConfig{Addr: ":8080"},
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("config file %s not found", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v, ok := lookup(EnvDSN); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvTaskQueue); ok && v != "" {
		c.Worker.TaskQueue = v
	}
}

// QueueBackend returns the effective queue backend and DSN.
func (c Config) QueueBackend() (string, string) {
	if c.Queue.Backend == "" {
		return c.Storage.Backend, c.Storage.DSN
	}
	dsn := c.Queue.DSN
	if dsn == "" && c.Queue.Backend == c.Storage.Backend {
		dsn = c.Storage.DSN
	}
	return c.Queue.Backend, dsn
}

// Validate checks that the configuration can be used to open backends.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage backend %s requires a dsn", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	queue, queueDSN := c.QueueBackend()
	switch queue {
	case BackendMemory:
		if c.Storage.Backend != BackendMemory {
			errs = append(errs, errors.New("an in-memory queue cannot be combined with durable storage"))
		}
	case BackendSQLite, BackendPostgres, BackendMongo:
		if queueDSN == "" {
			errs = append(errs, fmt.Errorf("queue backend %s requires a dsn", queue))
		}
	case BackendRedis:
		errs = append(errs, errors.New("redis has no task queue; set queue.backend to sqlite, postgres or mongo"))
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", queue))
	}

	if c.Worker.WorkflowPollers < 0 || c.Worker.ActivityPollers < 0 {
		errs = append(errs, errors.New("poller counts must not be negative"))
	}
	if c.Worker.Visibility <= 0 {
		errs = append(errs, errors.New("worker visibility must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
