package middleware

import (
	"net/http"
	"strings"
)

// streamingRequest reports whether the request expects an unbuffered
// response: the event feed or the live audio re-serve. A compressor in
// front of those buffers writes and defeats flushing.
func streamingRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	path := r.URL.Path
	return strings.HasSuffix(path, "/events") || strings.HasSuffix(path, "/playback/stream")
}

// StreamAwareCompression applies compress to every request except
// streaming ones, which bypass it entirely.
func StreamAwareCompression(compress func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if streamingRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
