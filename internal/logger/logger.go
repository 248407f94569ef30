// Package logger provides the engine's structured logging wrapper.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so callers depend on this package, not logrus
// directly, keeping the formatter/output policy in one place.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format, and output destination.
type Config struct {
	Level      string `env:"LOG_LEVEL"`
	Format     string `env:"LOG_FORMAT"`
	Output     string `env:"LOG_OUTPUT"`
	FilePrefix string `env:"LOG_FILE_PREFIX"`
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "workflow-engine"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.Errorf("create log directory: %v", err)
			break
		}
		path := filepath.Join(logDir, prefix+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns a Logger with sensible defaults, for tests and CLIs
// that don't load a full Config.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text", Output: "stdout"})
}

// WithField returns a log entry carrying one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
