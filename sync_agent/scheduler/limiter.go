package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter coalesces automatic triggers per trigger kind.
type RateLimiter interface {
	Reserve(key string) (bool, time.Duration)
}

// TokenBucketLimiter keeps one token bucket per key.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with rate r tokens per second and burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	if b <= 0 {
		b = 1
	}
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) get(key string) *rate.Limiter {
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Reserve checks permission and returns the wait if the limit is exceeded.
// A denied reservation is cancelled and consumes nothing.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(key).Reserve()
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
