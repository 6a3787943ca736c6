package realtime

import (
	"sync"
	"time"
)

const (
	// Max bytes per websocket frame read. Content is capped at 2000 runes and a fully escaped
	// astral rune is 12 bytes (\uXXXX\uXXXX), so 32 KiB holds the worst case plus the envelope.
	maxFrameBytes = 32 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second

	// Upper bound on one Publish waiting for a single full send queue.
	defaultSendTimeout = 2 * time.Second
)

// RateLimiter is a per-connection sliding-window limiter.
//
// It keeps the timestamps of the last limit accepted events in a ring; an event is allowed when
// the oldest of them has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled bool
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at time now is permitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled && now.Sub(r.ring[r.next]) < r.window {
		return false
	}

	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.filled = true
	}
	return true
}
