package modcore

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/modcore/config"
)

// Logger is the structured logger used throughout the core. Arguments are
// key-value pairs:
//
//	logger.Info("Module loaded", "module", "sqlite", "version", "1.0.0")
//
// *slog.Logger satisfies it directly.
type Logger interface {
	// Info logs normal lifecycle progress: loads, enables, shutdown steps.
	Info(msg string, args ...any)

	// Error logs failures that are contained: a failed module, a failed
	// handler, a failed teardown step.
	Error(msg string, args ...any)

	// Warn logs skipped work, e.g. a module skipped because a dependency
	// failed.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics such as resolved orders and
	// subscription bookkeeping.
	Debug(msg string, args ...any)
}

// NewLogger builds a slog logger writing text or JSON to w at the
// configured level.
func NewLogger(cfg config.LoggingSettings, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogFormat, cfg.Format)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// fieldLogger prepends fixed key-value pairs to every entry.
type fieldLogger struct {
	base   Logger
	fields []any
}

func (l *fieldLogger) with(args []any) []any {
	return append(append(make([]any, 0, len(l.fields)+len(args)), l.fields...), args...)
}

func (l *fieldLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l *fieldLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }

// withFields returns a logger that adds fields to every entry.
func withFields(l Logger, fields ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(fields...)
	}
	return &fieldLogger{base: l, fields: fields}
}
