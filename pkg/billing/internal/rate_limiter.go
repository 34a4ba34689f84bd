package internal

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-IP request budget.
type RateLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int           // max requests per window
	window        time.Duration // time window
	requestCount  int           // counter for deterministic cleanup
	cleanupEvery  int           // cleanup every N requests
	cleanupAtSize int           // cleanup when map size exceeds this
	now           func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a new rate limiter with the specified limit and window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// allow reports whether ip may proceed and, if not, how long until its
// window resets.
func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.requests) > rl.cleanupAtSize {
		rl.cleanupExpired(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	b, exists := rl.requests[ip]
	if !exists || !now.Before(b.resetAt) {
		rl.requests[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if b.count >= rl.limit {
		return false, b.resetAt.Sub(now)
	}

	b.count++
	return true, 0
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for ip, b := range rl.requests {
		if !now.Before(b.resetAt) {
			delete(rl.requests, ip)
		}
	}
}

// Cleanup removes all expired entries from the rate limiter.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupExpired(rl.now())
}

// Allow charges one request to the client of r and reports whether the
// client is still within its budget and, if not, how long until the window
// resets. A nil limiter allows everything.
func (rl *RateLimiter) Allow(r *http.Request) (bool, time.Duration) {
	if rl == nil {
		return true, 0
	}
	return rl.allow(GetClientIP(r))
}

// WriteTooManyRequests replies with 429 and a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, wait time.Duration) error {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	return WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
}

// GetClientIP returns the host part of the connection's remote address.
// Forwarding headers are ignored since any caller can set them.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
