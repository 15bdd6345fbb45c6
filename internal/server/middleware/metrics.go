package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/observability"
)

// proxyRoute is the catch-all pattern the router uses for relayed calls.
const proxyRoute = "/*"

// statusRecorder captures the status code and body size written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// EndpointLabel returns a low-cardinality route label for r. Internal routes
// use their chi pattern. Relayed calls are labelled by the Gemini method
// suffix ("/proxy:generateContent") because model names vary per request.
func EndpointLabel(r *http.Request) string {
	pattern := ""
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		pattern = rctx.RoutePattern()
	}
	if pattern != "" && pattern != proxyRoute {
		return pattern
	}

	path := r.URL.Path
	switch {
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/", path == "/version", path == "/metrics":
		return path
	}
	return proxyEndpoint(path)
}

func proxyEndpoint(path string) string {
	last := path[strings.LastIndex(path, "/")+1:]
	if i := strings.LastIndex(last, ":"); i >= 0 && i < len(last)-1 {
		action := last[i+1:]
		if isIdentifier(action) {
			return "/proxy:" + action
		}
	}
	return "/proxy"
}

func isIdentifier(s string) bool {
	if len(s) > 64 {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// RequestMetrics emits per-request counters and latency to the telemetry
// system and writes one access log line per request.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil && observability.ServerLogger == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		endpoint := EndpointLabel(r)
		status := strconv.Itoa(rec.status)

		if sys := observability.TelemetrySystem; sys != nil {
			labels := map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
				"status":   status,
			}
			_ = sys.Counter("http_requests_total", 1, labels)
			_ = sys.Histogram("http_request_duration_ms", elapsed, labels)
			_ = sys.Gauge("http_response_size_bytes", float64(rec.bytes), map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
			})
			if r.ContentLength > 0 {
				_ = sys.Gauge("http_request_size_bytes", float64(r.ContentLength), map[string]string{
					"method":   r.Method,
					"endpoint": endpoint,
				})
			}
			if rec.status >= http.StatusBadRequest {
				class := "client_error"
				if rec.status >= http.StatusInternalServerError {
					class = "server_error"
				}
				_ = sys.Counter("http_errors_total", 1, map[string]string{
					"method":     r.Method,
					"endpoint":   endpoint,
					"status":     status,
					"error_type": class,
				})
			}
		}

		if observability.ServerLogger != nil {
			// The query string may hold a client key, so only the path is logged.
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
				zap.Int64("response_size", rec.bytes))
		}
	})
}
