// Package logging configures the logrus logger shared by the CLI and the
// server. Logs go to stderr; stdout carries only command results.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelQuiet   Level = "quiet"
	LevelNormal  Level = "normal"
	LevelVerbose Level = "verbose"
)

type Config struct {
	Level  Level
	Format string // "text" or "json"
	File   string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Logger is a logrus.Logger that also owns an optional log file.
type Logger struct {
	*logrus.Logger
	file *os.File
}

func New(cfg Config) (*Logger, error) {
	logger := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	switch cfg.Level {
	case LevelQuiet:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelVerbose:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	l := &Logger{Logger: logger}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		out = io.MultiWriter(out, file)
		l.file = file
	}
	logger.SetOutput(out)

	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger}
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
