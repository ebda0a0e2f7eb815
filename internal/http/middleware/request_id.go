package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmylchreest/radiarr/internal/observability"
)

// RequestIDHeader carries the request ID on both request and response.
const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an ID, honoring one the caller
// already sent. The ID is echoed in the response header and planted in
// the context where the logging helpers find it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := observability.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID planted by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	return observability.RequestIDFromContext(ctx)
}
