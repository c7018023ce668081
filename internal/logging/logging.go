// Package logging provides the structured logger every hermes-go
// component uses, built on log/slog the way the teacher's
// pkg/logging package is: a thin Config → *Logger constructor with
// optional file output alongside stderr. The teacher's enterprise
// LogExporter extension point is dropped here — hermes-go has no
// component that would ever drive it (see DESIGN.md).
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures a Logger. The zero value logs Info+ to stderr as text.
type Config struct {
	Level   Level
	LogDir  string
	Process string // "producer" or "consumer", attached to every record
	JSON    bool
	Quiet   bool
}

type Logger struct {
	slog *slog.Logger
	file *os.File
}

// New builds a Logger per cfg. File logs, when enabled, are always JSON
// since they are meant for machine ingestion, not the terminal.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err == nil {
			name := cfg.Process
			if name == "" {
				name = "hermes"
			}
			path := filepath.Join(cfg.LogDir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02")))
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640); err == nil {
				l.file = f
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &fanoutHandler{handlers: handlers}
	}
	if cfg.Process != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("process", cfg.Process)})
	}

	l.slog = slog.New(handler)
	return l
}

func Default() *Logger { return New(Config{Process: "hermes"}) }

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

func (l *Logger) Slog() *slog.Logger { return l.slog }

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// fanoutHandler fans a record out to every wrapped handler, mirroring
// the teacher's multiHandler (stderr text/JSON plus an optional file
// destination behave as one logical sink from the caller's side).
type fanoutHandler struct{ handlers []slog.Handler }

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
