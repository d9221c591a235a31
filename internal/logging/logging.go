// Package logging builds the process-wide slog.Logger from configuration.
// Output goes to stdout, or to a size-rotated file managed by lumberjack.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the log level, format and destination.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `yaml:"level"`        // debug, info, warn, error (default info)
	Format     string `yaml:"format"`       // text or json (default text)
	File       string `yaml:"file"`         // empty = stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `yaml:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `yaml:"max_age_days"` // days to keep (default 7)
	Compress   bool   `yaml:"compress"`     // gzip rotated files
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Writer returns the log destination. Closing it is a no-op for stdout.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nopCloser{os.Stdout}
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a logger writing to c.Writer(). The returned closer releases
// the log file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	w := c.Writer()
	logger, err := NewWithWriter(c, w, level)
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	return logger, w, nil
}

// NewWithWriter builds a logger writing to w at level.
func NewWithWriter(c Config, w io.Writer, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
