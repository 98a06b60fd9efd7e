// Package logger provides structured logging for the flow engine with
// automatic secret redaction for HTTP tool request/response logging.
//
// It wraps the standard log/slog package with:
//   - contextual logging keyed on turn/session/flow identifiers
//   - per-module log level configuration
//   - redaction of bearer tokens, API keys and other obvious secrets
//
// All exported functions use the global DefaultLogger, which is safe for
// concurrent use and can be reconfigured via Configure or SetLogger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	DefaultLogger *slog.Logger

	// logOutput is the writer used by the default handler; swappable for tests.
	logOutput io.Writer = os.Stderr

	// customHandler, when set via SetLogger, takes precedence over Configure.
	customHandler slog.Handler
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: level})))
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a slog.Level.
// Unrecognized names default to LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// SetLogger installs a caller-provided slog.Logger as the default, bypassing
// Configure. This is how a host application wires its own logging backend
// into the engine (the engine never constructs a logger the host didn't ask for).
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	customHandler = l.Handler()
	DefaultLogger = l
}

// SetLevel changes the logging level for all subsequent log operations.
func SetLevel(level slog.Level) {
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: level})))
}

// SetVerbose enables debug-level logging when verbose is true, info-level otherwise.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
		return
	}
	SetLevel(slog.LevelInfo)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) { DefaultLogger.Info(msg, args...) }

// InfoContext logs an informational message, extracting fields from ctx.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) { DefaultLogger.Debug(msg, args...) }

// DebugContext logs a debug message, extracting fields from ctx.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) { DefaultLogger.Warn(msg, args...) }

// WarnContext logs a warning message, extracting fields from ctx.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) { DefaultLogger.Error(msg, args...) }

// ErrorContext logs an error message, extracting fields from ctx.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// secretPatterns matches the common secret shapes that show up in HTTP tool
// requests/responses: bearer tokens, basic-auth headers, and long opaque
// API-key-shaped tokens.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9_\-.]+`),
	regexp.MustCompile(`(?i)Basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),
}

// RedactSensitiveData replaces recognizable secret material in a string with
// a redacted placeholder. Used when logging HTTP tool request signatures and
// any user-visible surface that might otherwise echo a header or token.
func RedactSensitiveData(input string) string {
	result := input
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if sp := strings.IndexByte(match, ' '); sp != -1 {
				return match[:sp+1] + "[REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}
