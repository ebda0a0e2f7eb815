// Package observability provides structured logging for radiarr: slog
// handlers with level parsing, compact source positions, and layered
// redaction of credentials, plus the context plumbing that carries
// loggers and request IDs through the call tree.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/radiarr/internal/config"
)

// LevelTrace sits below slog.LevelDebug for wire-level detail such as
// per-chunk stream progress and raw DNS answers.
const LevelTrace = slog.LevelDebug - 4

// contextKey is a private type so context values cannot collide with
// other packages.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// CorrelationIDKey is the context key for correlation IDs.
	CorrelationIDKey contextKey = "correlation_id"

	loggerKey contextKey = "logger"
)

// redactedValue is what a scrubbed value renders as.
const redactedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose values never reach the log,
// wherever in the attribute tree they appear.
var sensitiveKeys = map[string]struct{}{
	"password":   {},
	"secret":     {},
	"token":      {},
	"apikey":     {},
	"api_key":    {},
	"credential": {},
}

// sensitiveParamPattern finds credential-bearing query parameters inside
// logged URL strings, so the value can be scrubbed without losing the
// rest of the URL.
var sensitiveParamPattern = regexp.MustCompile(`(?i)\b(password|secret|token|apikey|api_key|credential)=([^&"\s]+)`)

// parseLevel maps a config level name to a slog.Level. Unknown names
// land on info.
func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to stdout per cfg.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter builds a logger writing to w per cfg. Tests pass a
// buffer here.
//
// Attributes pass through three redaction layers before the handler
// sees them: struct fields tagged `masq:"secret"` (or named
// Authorization, or prefixed secret_), attributes whose key names a
// credential, and credential query parameters inside URL strings.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr(cfg),
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	// Anything else, including unset, means JSON.
	return slog.New(slog.NewJSONHandler(w, opts))
}

// replaceAttr builds the attribute rewriter: redaction first, then the
// cosmetic rewrites for the trace level name, the source position, and
// the timestamp format.
func replaceAttr(cfg config.LoggingConfig) func([]string, slog.Attr) slog.Attr {
	redactStructs := masq.New(
		masq.WithTag("secret"),
		masq.WithFieldName("Authorization"),
		masq.WithFieldPrefix("secret_"),
	)

	return func(groups []string, a slog.Attr) slog.Attr {
		a = redactStructs(groups, a)

		if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redactedValue)
		}

		if a.Value.Kind() == slog.KindString {
			if s := a.Value.String(); strings.Contains(s, "=") {
				if scrubbed := sensitiveParamPattern.ReplaceAllString(s, "${1}="+redactedValue); scrubbed != s {
					a = slog.String(a.Key, scrubbed)
				}
			}
		}

		switch a.Key {
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		case slog.SourceKey:
			if src, ok := a.Value.Any().(*slog.Source); ok && src != nil {
				return slog.String("logpos", fmt.Sprintf("%s:%d", moduleRelative(src.File), src.Line))
			}
		case slog.TimeKey:
			if cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
		}
		return a
	}
}

// moduleRelative cuts the build machine's path prefix off a source file
// name, leaving the part rooted in the module.
func moduleRelative(file string) string {
	for _, marker := range []string{"/internal/", "/cmd/", "/pkg/"} {
		if idx := strings.LastIndex(file, marker); idx >= 0 {
			return file[idx+1:]
		}
	}
	return filepath.Base(file)
}

// SetDefault installs logger as the process-wide slog default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// WithRequestID returns logger with a request_id field attached.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithCorrelationID returns logger with a correlation_id field attached.
func WithCorrelationID(logger *slog.Logger, correlationID string) *slog.Logger {
	return logger.With(slog.String("correlation_id", correlationID))
}

// WithComponent returns logger tagged with the emitting subsystem.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithStream returns logger tagged with a stream ID, tying together one
// station's playback activity.
func WithStream(logger *slog.Logger, streamID string) *slog.Logger {
	return logger.With(slog.String("stream_id", streamID))
}

// WithOperation returns logger tagged with an operation name.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String("operation", operation))
}

// WithError returns logger with the error attached, or logger unchanged
// when err is nil.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// ContextWithLogger stores logger in the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the context's logger, or the default logger
// when none was stored.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithRequestID stores a request ID in the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFromContext returns the context's request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithCorrelationID stores a correlation ID in the context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// CorrelationIDFromContext returns the context's correlation ID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// LogAttrs bundles a logger behind level-named methods that take
// slog.Attr values only, for hot paths that avoid the any-typed API.
type LogAttrs struct {
	logger *slog.Logger
}

// NewLogAttrs wraps logger in a LogAttrs helper.
func NewLogAttrs(logger *slog.Logger) *LogAttrs {
	return &LogAttrs{logger: logger}
}

func (l *LogAttrs) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}

func (l *LogAttrs) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

func (l *LogAttrs) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, msg, attrs...)
}

func (l *LogAttrs) Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logger.LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// TimedOperation logs the start of an operation and returns the
// completion callback, meant to be deferred:
//
//	done := observability.TimedOperation(ctx, logger, "origin_probe")
//	defer done()
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string) func() {
	start := time.Now()
	logger.InfoContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// TimedOperationWithError is TimedOperation for operations that can
// fail. It takes a pointer because the error is usually assigned after
// this call and before the deferred callback runs:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "origin_probe", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // the pointer is the point, see above
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.InfoContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
