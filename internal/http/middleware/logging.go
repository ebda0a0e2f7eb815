package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder notes the status code and body size a handler produced
// while delegating the actual writes.
type statusRecorder struct {
	http.ResponseWriter
	status    int
	bytes     int
	committed bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.committed {
		return
	}
	rec.committed = true
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	if !rec.committed {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer so http.ResponseController reaches
// the real connection. Handlers that flush (the event feed, the live
// audio re-serve) depend on this.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// AccessLog emits one log line per request once the handler returns.
// Long-lived connections therefore log at disconnect, with the duration
// covering the whole connection lifetime rather than handler setup.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			logger.Log(r.Context(), levelFor(rec.status), "handled request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

// levelFor maps a response status to a log level: server faults are
// errors, client faults warnings, everything else informational.
func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
