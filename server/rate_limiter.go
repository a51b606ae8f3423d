package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	entries map[string]rateRecord
}

// NewRateLimiter allows limit requests per key per window. A limit of zero
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]rateRecord),
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.entries[key]
	if now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(rl.window)}
	}
	if rec.count >= rl.limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// prune drops windows that have already expired.
func (rl *RateLimiter) prune() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
		}
	}
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// perClientIP rejects callers that exceed the limiter's budget.
func perClientIP(rl *RateLimiter, fallback zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", fallback)
			return
		}
		c.Next()
	}
}
