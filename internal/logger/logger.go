// Package logger holds the process-wide structured logger used by the
// allocator packages.
//
// The logger discards everything until Init is called, or until the
// PAKIT_LOG environment variable is set at startup (any non-empty value other
// than "0"; "json" selects the JSON handler), in which case debug output goes
// to stderr.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// EnvVar enables debug logging to stderr when set.
const EnvVar = "PAKIT_LOG"

var current atomic.Pointer[slog.Logger]

func init() {
	switch v := os.Getenv(EnvVar); v {
	case "", "0":
		current.Store(discard())
	case "json":
		current.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	default:
		current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Options configures the logger.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Output  io.Writer  // Destination. Default: os.Stderr
	JSON    bool       // Use the JSON handler instead of text
	Level   slog.Level // Minimum log level. Default: LevelInfo when enabled
}

// Init replaces the global logger. Safe to call concurrently with logging.
func Init(opts Options) {
	if !opts.Enabled {
		current.Store(discard())
		return
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := opts.Level
	if level == 0 {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.JSON {
		current.Store(slog.New(slog.NewJSONHandler(out, hopts)))
		return
	}
	current.Store(slog.New(slog.NewTextHandler(out, hopts)))
}

// L returns the current logger.
func L() *slog.Logger { return current.Load() }

// Enabled reports whether messages at level would be emitted. Hot paths check
// it before building attributes.
func Enabled(level slog.Level) bool {
	return current.Load().Handler().Enabled(context.Background(), level)
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { current.Load().Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { current.Load().Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { current.Load().Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { current.Load().Error(msg, args...) }
