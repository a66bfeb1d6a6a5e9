// Package logger provides structured logging for the simulation server.
// Every emergency, response and login should be traceable through this.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Logger provides structured logging with context.
type Logger struct {
	base *slog.Logger
}

// NewLogger creates a logger on stdout at info level.
func NewLogger() *Logger {
	return New(os.Stdout, slog.LevelInfo)
}

// New creates a logger writing to w. Terminals get the human-readable text
// handler; everything else (files, pipes, log collectors) gets JSON lines.
func New(w io.Writer, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if isTerminal(w) {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{base: slog.New(h).With("component", "carehome")}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger that adds the given attributes to every line.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

// Slog exposes the underlying slog logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}

// Debug logs diagnostic messages.
func (l *Logger) Debug(msg string, args ...any) {
	l.base.Debug(msg, args...)
}

// Info logs informational messages.
func (l *Logger) Info(msg string, args ...any) {
	l.base.Info(msg, args...)
}

// Warn logs warning messages.
func (l *Logger) Warn(msg string, args ...any) {
	l.base.Warn(msg, args...)
}

// Error logs error messages.
func (l *Logger) Error(msg string, args ...any) {
	l.base.Error(msg, args...)
}

// Event logs a specific simulation event for the audit trail.
func (l *Logger) Event(eventType string, actorID string, details string) {
	l.base.Info(fmt.Sprintf("[EVENT:%s]", eventType), "actor", actorID, "details", details)
}
