package middleware

import (
	"net/http"
	"strings"
)

// Preflight responses advertise a fixed surface. The control API only
// speaks JSON plus the request ID header, so there is nothing to make
// configurable here.
const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Accept, Content-Type, X-Request-ID"
	corsExpose  = "X-Request-ID"
	corsMaxAge  = "86400"
)

// CORS answers cross-origin requests from the given origins, which is
// what lets a browser-hosted UI or companion app talk to the control
// API. An empty list, or one containing "*", admits any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAny := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAny = true
			continue
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowAny {
				// The response differs per origin, so caches must key on it.
				w.Header().Add("Vary", "Origin")
			}

			if origin := r.Header.Get("Origin"); origin != "" {
				switch {
				case allowAny:
					w.Header().Set("Access-Control-Allow-Origin", "*")
					w.Header().Set("Access-Control-Expose-Headers", corsExpose)
				default:
					if _, ok := allowed[origin]; ok {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Access-Control-Expose-Headers", corsExpose)
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
