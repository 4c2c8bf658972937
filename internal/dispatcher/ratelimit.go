package dispatcher

import (
	"sync"
	"time"
)

// slidingWindowLimiter bounds reservations for one queue to at most `max`
// per `window`, approximated with a token bucket refilling continuously
// at max/window — equivalent in steady state, far cheaper than tracking a
// true sliding log.
type slidingWindowLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newSlidingWindowLimiter(max int, window time.Duration) *slidingWindowLimiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	rate := float64(max) / window.Seconds()
	return &slidingWindowLimiter{
		tokens:     float64(max),
		maxTokens:  float64(max),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow reports whether a reservation may proceed now, consuming a token
// if so. A nil receiver always allows (rate limiting disabled).
func (l *slidingWindowLimiter) Allow() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return true
	}
	return false
}
