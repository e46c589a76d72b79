package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// cleanupInterval is how often StartRateLimiter drops expired windows
var cleanupInterval = 10 * time.Minute

// fetchWindow tracks on-demand fetches from one IP
type fetchWindow struct {
	Count   int
	FirstAt time.Time
}

// RateLimiter caps how often one client can trigger a live source fetch
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*fetchWindow
	maxRequests  int
	windowPeriod time.Duration
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewRateLimiter creates a new rate limiter
// maxRequests: fetches allowed per IP within the window
// windowPeriod: time window for counting fetches
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:      make(map[string]*fetchWindow),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
}

// StartRateLimiter creates a rate limiter whose cleanup loop is already
// running. Callers own the limiter and should Stop it on shutdown.
func StartRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	rl := NewRateLimiter(maxRequests, windowPeriod)
	rl.StartCleanup(cleanupInterval)
	return rl
}

// StartCleanup periodically drops expired windows until Stop is called
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup removes expired entries
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, w := range rl.windows {
		if now.Sub(w.FirstAt) > rl.windowPeriod {
			delete(rl.windows, ip)
		}
	}
}

// Allow records a fetch for ip and reports whether it is within the limit,
// how many fetches remain and, when refused, how long until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[ip]
	if !exists || now.Sub(w.FirstAt) > rl.windowPeriod {
		rl.windows[ip] = &fetchWindow{Count: 1, FirstAt: now}
		return true, rl.maxRequests - 1, 0
	}

	if w.Count >= rl.maxRequests {
		return false, 0, rl.windowPeriod - now.Sub(w.FirstAt)
	}
	w.Count++
	return true, rl.maxRequests - w.Count, 0
}

// Tracked returns the number of IPs with an open window
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// FetchRateLimitMiddleware refuses on-demand fetches over the limit with 429
func FetchRateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, remaining, retryAfter := rl.Allow(ip)

		// Set headers for client awareness
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			seconds := int(retryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       formatRateLimitError(seconds),
				"retry_after": seconds,
			})
			return
		}

		c.Next()
	}
}

// formatRateLimitError formats the rate limit error message
func formatRateLimitError(seconds int) string {
	if minutes := seconds / 60; minutes > 0 {
		return fmt.Sprintf("Too many live fetches. Please try again in %d minute(s) and %d second(s).", minutes, seconds%60)
	}
	return fmt.Sprintf("Too many live fetches. Please try again in %d second(s).", seconds)
}
