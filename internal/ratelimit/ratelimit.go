// Package ratelimit provides the token-bucket limiter gating outgoing turns.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with capacity burst, refilled at rpm/60 tokens
// per second, starting full. A zero or negative rpm disables the limiter so
// every acquire admits immediately.
type Limiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	enabled bool

	totalRequests int64
	throttled     int64
	totalWait     time.Duration
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Enabled       bool  `json:"enabled"`
	TotalRequests int64 `json:"total_requests"`
	Throttled     int64 `json:"throttled_requests"`
	TotalWaitMS   int64 `json:"total_wait_ms"`
}

// New builds a limiter admitting rpm requests per minute with the given
// burst capacity. burst values below 1 are clamped to 1.
func New(rpm float64, burst int) *Limiter {
	if rpm <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		lim:     rate.NewLimiter(rate.Limit(rpm/60.0), burst),
		enabled: true,
	}
}

// Enabled reports whether the limiter constrains anything.
func (l *Limiter) Enabled() bool { return l.enabled }

// Acquire blocks until a token is available or ctx is done, returning the
// time spent waiting. An immediate admit returns 0.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	l.totalRequests++
	if !l.enabled {
		l.mu.Unlock()
		return 0, nil
	}

	r := l.lim.Reserve()
	delay := r.Delay()
	if delay > 0 {
		l.throttled++
	}
	l.mu.Unlock()

	if delay == 0 {
		return 0, nil
	}

	start := time.Now()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		waited := time.Since(start)
		l.mu.Lock()
		l.totalWait += waited
		l.mu.Unlock()
		return waited, nil
	case <-ctx.Done():
		// Return the reserved token so the cancelled caller does not
		// penalize the next one.
		r.Cancel()
		return 0, ctx.Err()
	}
}

// TryAcquire admits without blocking, reporting whether a token was taken.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalRequests++
	if !l.enabled {
		return true
	}
	if l.lim.Allow() {
		return true
	}
	l.throttled++
	return false
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:       l.enabled,
		TotalRequests: l.totalRequests,
		Throttled:     l.throttled,
		TotalWaitMS:   l.totalWait.Milliseconds(),
	}
}
