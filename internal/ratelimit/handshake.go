package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HandshakeLimiter throttles connection attempts per client IP with a token bucket
type HandshakeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewHandshakeLimiter allows perSecond sustained handshakes per IP with the given burst.
// IPs idle for longer than ttl are dropped by Cleanup.
func NewHandshakeLimiter(perSecond float64, burst int, ttl time.Duration) *HandshakeLimiter {
	if burst < 1 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HandshakeLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow reports whether a handshake from ip may proceed
func (h *HandshakeLimiter) Allow(ip string) bool {
	h.mu.Lock()
	now := h.now()
	entry, ok := h.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(h.rate, h.burst)}
		h.limiters[ip] = entry
	}
	entry.lastAccess = now
	h.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Cleanup drops idle IPs and returns how many were removed
func (h *HandshakeLimiter) Cleanup() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	for ip, entry := range h.limiters {
		if now.Sub(entry.lastAccess) > h.ttl {
			delete(h.limiters, ip)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of IPs with a live bucket
func (h *HandshakeLimiter) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.limiters)
}
