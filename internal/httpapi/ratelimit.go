package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mechlabs/mech-queue/internal/apperrors"
)

// tokenBucket is a per-tenant request limiter, generalized from the
// teacher's gateway.TokenBucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(windowMs, maxRequests int) *tokenBucket {
	window := time.Duration(windowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}
	rate := float64(maxRequests) / window.Seconds()
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(maxRequests),
		maxTokens:  float64(maxRequests),
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
	b.lastAccess = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// RateLimiter enforces a per-key request budget, evicting idle buckets so
// memory doesn't grow with the number of distinct keys ever seen.
type RateLimiter struct {
	mu          sync.RWMutex
	buckets     map[string]*tokenBucket
	windowMs    int
	maxRequests int
}

func NewRateLimiter(windowMs, maxRequests int) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 60
	}
	if windowMs <= 0 {
		windowMs = 60_000
	}
	return &RateLimiter{buckets: make(map[string]*tokenBucket), windowMs: windowMs, maxRequests: maxRequests}
}

// StartEviction launches a background sweep of buckets idle past maxAge.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimiter) evictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		idle := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(rl.windowMs, rl.maxRequests)
	rl.buckets[key] = b
	return b
}

func rateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractAPIKey(r)
			if key == "" {
				key = r.RemoteAddr
			}
			if !rl.bucket(key).allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, r, apperrors.RateLimited("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
