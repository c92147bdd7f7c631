package api

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/ratelimit"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// RateLimitMiddleware enforces the per-project request budget
func RateLimitMiddleware(limiter *ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := getProjectID(r)
			if projectID == "" || limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := strconv.Itoa(limiter.PerHour())
			ok, retryAfter := limiter.Allow(projectID)
			if !ok {
				logger.Info("Rate limit exceeded.", zap.String("project_id", projectID), zap.Duration("retry_after", retryAfter))
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, &models.ErrorBody{
					Error:     "rate limit exceeded for project " + projectID,
					Code:      "RATE_LIMITED",
					Retryable: true,
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(projectID))))
			next.ServeHTTP(w, r)
		})
	}
}

// getProjectID extracts the project ID from the request
func getProjectID(r *http.Request) string {
	if projectID := r.URL.Query().Get("projectId"); projectID != "" {
		return projectID
	}
	return r.Header.Get("X-Project-ID")
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Debug("HTTP request.",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("remote", r.RemoteAddr))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
