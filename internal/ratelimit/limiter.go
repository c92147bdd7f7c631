package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per project.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter creates a limiter allowing requestsPerHour per project with the given burst.
// requestsPerHour <= 0 disables limiting.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Inf
	if requestsPerHour > 0 {
		r = rate.Limit(float64(requestsPerHour) / 3600.0)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

// PerHour is the configured hourly allowance.
func (l *Limiter) PerHour() int { return l.perHour }

func (l *Limiter) get(projectID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[projectID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[projectID] = limiter
	}
	return limiter
}

// Allow takes a token for the project. When none is available it reports false and
// how long until one will be.
func (l *Limiter) Allow(projectID string) (bool, time.Duration) {
	limiter := l.get(projectID)
	if limiter.Allow() {
		return true, 0
	}
	r := limiter.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return false, time.Hour
	}
	return false, r.Delay()
}

// Tokens returns the tokens currently available to a project.
func (l *Limiter) Tokens(projectID string) float64 {
	return l.get(projectID).Tokens()
}
