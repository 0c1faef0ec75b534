// Package logging provides structured logging for the service
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// Options controls logger construction.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// File, when set, receives a copy of every record with size-based
	// rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output defaults to stdout.
	Output io.Writer
}

// New creates a new structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	logger, _ := NewWithOptions(Options{Level: level, Format: format})
	return logger
}

// NewWithOptions creates a logger and returns a closer for the rotated log
// file. The closer is a no-op when no file is configured.
func NewWithOptions(opts Options) (*slog.Logger, io.Closer) {
	lvl := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(out, rotator)
		closer = rotator
	}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler), closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}
