// Package logger builds the slog loggers shared by every component.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level   slog.Level
	pretty  bool
	json    bool
	source  bool
	writers []io.Writer
}

// New returns a text logger on stdout unless options say otherwise.
func New(opts ...Option) *slog.Logger {
	cfg := &config{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(cfg)
	}
	var w io.Writer = os.Stdout
	switch len(cfg.writers) {
	case 0:
	case 1:
		w = cfg.writers[0]
	default:
		w = io.MultiWriter(cfg.writers...)
	}

	switch {
	case cfg.json:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.level, AddSource: cfg.source}))
	case cfg.pretty:
		level := charmlog.InfoLevel
		if cfg.level <= slog.LevelDebug {
			level = charmlog.DebugLevel
		}
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			Level:           level,
			ReportTimestamp: true,
			ReportCaller:    cfg.source,
			TimeFormat:      time.Kitchen,
		}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.level, AddSource: cfg.source}))
	}
}

// Nop returns a logger that drops everything.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
