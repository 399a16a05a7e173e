// Package middleware carries the HTTP middleware for the REST control API:
// API key verification, per-client rate limiting glue, and access logging.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"meshvault/pkg/auth"
	"meshvault/pkg/logging"
)

// APIKey rejects requests that do not present a valid key in the
// Authorization header (Bearer scheme) or the X-API-Key header. An empty
// keyring disables the check.
func APIKey(keyring *auth.Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyring.Empty() {
				next.ServeHTTP(w, r)
				return
			}
			if !keyring.Verify(presentedKey(r)) {
				http.Error(w, "Invalid or missing API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.Header.Get("X-API-Key")
}

// RequestLogger emits one structured access log line per request
func RequestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.Debug("HTTP request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", rec.status),
				logging.String("remote", r.RemoteAddr),
				logging.Duration("took", time.Since(start)))
		})
	}
}

// statusRecorder captures the response code for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
