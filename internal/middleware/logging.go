// Package middleware provides the HTTP middleware chain for the gateway's
// data plane: request IDs, structured access logs, panic recovery, body
// limits, request deadlines, CORS, and security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code and
// the number of response body bytes written.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, response size, client IP,
// and request ID. When the handler marked the response as served from the
// cache (X-Cache header), the entry carries a "cache" attribute.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"bytes", recorder.bytes,
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if xc := recorder.Header().Get("X-Cache"); xc != "" {
				attrs = append(attrs, "cache", xc)
			}

			logger.Log(r.Context(), slog.LevelInfo, "request", attrs...)
		})
	}
}
