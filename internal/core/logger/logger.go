package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

type ctxKey string

const (
	TraceIDKey   ctxKey = "trace_id"
	RequestIDKey ctxKey = "request_id"
)

var defaultLogger atomic.Pointer[slog.Logger]

// Init installs the process-wide structured logger.
func Init(level slog.Level, format string) {
	InitWriter(os.Stdout, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, format string) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	l := slog.New(handler)
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// Get returns the default logger, initializing a text logger on first use.
func Get() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: true}))
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	return defaultLogger.Load()
}

// For returns a logger tagged with a component name.
func For(component string) *slog.Logger {
	return Get().With("component", component)
}

// WithContext returns a logger carrying the trace and request ids found in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Get()
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		l = l.With("trace_id", traceID)
	}
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.With("request_id", requestID)
	}
	return l
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}
