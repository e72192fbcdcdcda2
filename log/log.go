// Package log provides structured logging for the zkclaim pipeline. It wraps
// Go's log/slog with per-stage child loggers and installs go-ethereum's
// terminal handler for the command-line binaries.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	gethlog "github.com/ethereum/go-ethereum/log"
)

// Logger wraps slog.Logger with pipeline context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New creates a Logger that writes JSON to stderr at the given level.
func New(level slog.Level) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{inner: slog.New(h)}
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// NewTerminal creates a Logger using go-ethereum's terminal formatter, the
// same output the RPC and EVM layers produce.
func NewTerminal(w io.Writer, level slog.Level, color bool) *Logger {
	return NewWithHandler(gethlog.NewTerminalHandlerWithLevel(w, level, color))
}

// NewFromFormat builds a Logger for the named output format ("terminal",
// "text" for logfmt, or "json"). Unknown formats fall back to terminal output.
func NewFromFormat(w io.Writer, format string, level slog.Level) *Logger {
	switch strings.ToLower(format) {
	case "json":
		return NewWithHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case "text":
		return NewWithHandler(gethlog.LogfmtHandlerWithLevel(w, level))
	}
	return NewTerminal(w, level, false)
}

// SetDefault replaces the package-level default logger. The go-ethereum
// root logger is pointed at the same handler so library output is merged.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
		gethlog.SetDefault(gethlog.NewLogger(l.inner.Handler()))
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger with an additional "module" attribute.
// Pipeline stages (preflight, prover, submitter, ...) obtain their own
// logger this way.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// Handler exposes the underlying slog handler.
func (l *Logger) Handler() slog.Handler { return l.inner.Handler() }

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// ---------------------------------------------------------------------------
// Level helpers
// ---------------------------------------------------------------------------

// LevelFromString parses a level name. The match is case-insensitive;
// unrecognised strings return LevelInfo.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return gethlog.LevelTrace
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

// LevelFromVerbosity maps the 0-5 verbosity scale used by the CLI flags.
func LevelFromVerbosity(verbosity int) slog.Level {
	switch {
	case verbosity <= 1:
		return slog.LevelError
	case verbosity == 2:
		return slog.LevelWarn
	case verbosity == 3:
		return slog.LevelInfo
	case verbosity == 4:
		return slog.LevelDebug
	default:
		return gethlog.LevelTrace
	}
}

// ---------------------------------------------------------------------------
// Package-level convenience functions -- delegate to defaultLogger.
// ---------------------------------------------------------------------------

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { defaultLogger.Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }
