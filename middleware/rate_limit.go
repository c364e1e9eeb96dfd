// Package middleware holds the HTTP middleware for the API surface.
package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type clientWindow struct {
	count   int
	firstAt time.Time
}

// RateLimiter caps requests per client IP over a rolling window. It
// protects the API surface, not the upstream fetch path, which has its
// own throttle.
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*clientWindow
	maxRequests int
	period      time.Duration
}

// NewRateLimiter builds a per-IP limiter allowing maxRequests per
// period and starts its cleanup loop.
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows:     make(map[string]*clientWindow),
		maxRequests: maxRequests,
		period:      period,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, w := range rl.windows {
			if now.Sub(w.firstAt) > rl.period {
				delete(rl.windows, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// allow records one request from ip and reports whether it fits the
// window, plus the remaining allowance and time until reset.
func (rl *RateLimiter) allow(ip string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.firstAt) > rl.period {
		rl.windows[ip] = &clientWindow{count: 1, firstAt: now}
		return true, rl.maxRequests - 1, 0
	}

	if w.count >= rl.maxRequests {
		return false, 0, rl.period - now.Sub(w.firstAt)
	}
	w.count++
	return true, rl.maxRequests - w.count, 0
}

// Middleware rejects requests over the per-IP budget with 429 and a
// Retry-After header.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, remaining, retry := rl.allow(ip)
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, slow down",
			})
			return
		}
		c.Next()
	}
}
