// Package ratelimit provides keyed token-bucket limiting for the HTTP
// surface. Query traffic is limited per client; everything else falls back
// to the caller's IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the limiting interface. The in-memory implementation
// suits single-instance deployments; a distributed one can replace it
// without touching the middleware.
type RateLimiter interface {
	// Allow reports whether one request for the key is allowed now
	Allow(ctx context.Context, key string) bool
}

// InMemoryRateLimiter keeps one token bucket per key, discarding buckets
// that have been idle long enough to refill anyway
type InMemoryRateLimiter struct {
	rate  rate.Limit
	burst int

	limiters   sync.Map // map[string]*rate.Limiter
	lastAccess sync.Map // map[string]time.Time

	cleanupInterval time.Duration
	maxAge          time.Duration
	stopCleanup     chan struct{}
}

// NewInMemoryRateLimiter creates a limiter allowing rps requests per second
// with the given burst per key
func NewInMemoryRateLimiter(rps float64, burst int) *InMemoryRateLimiter {
	l := &InMemoryRateLimiter{
		rate:            rate.Limit(rps),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxAge:          10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow reports whether one request for the key is allowed now
func (l *InMemoryRateLimiter) Allow(ctx context.Context, key string) bool {
	limiter := l.getLimiter(key)
	l.lastAccess.Store(key, time.Now().UTC())
	return limiter.Allow()
}

func (l *InMemoryRateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	if actual, loaded := l.limiters.LoadOrStore(key, limiter); loaded {
		return actual.(*rate.Limiter)
	}
	l.lastAccess.Store(key, time.Now().UTC())
	return limiter
}

func (l *InMemoryRateLimiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropIdle()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *InMemoryRateLimiter) dropIdle() {
	cutoff := time.Now().UTC().Add(-l.maxAge)
	l.lastAccess.Range(func(key, value interface{}) bool {
		if value.(time.Time).Before(cutoff) {
			l.limiters.Delete(key)
			l.lastAccess.Delete(key)
		}
		return true
	})
}

// Stop stops the cleanup goroutine
func (l *InMemoryRateLimiter) Stop() {
	close(l.stopCleanup)
}
