package access

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys so a sender
// rotating identities (or an attacker spraying sender IDs) can't exhaust
// memory.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// SlidingWindowLimiter is a per-key sliding-window rate limiter: each key
// gets at most MaxHits within Window, after which Allow returns false until
// the window rolls over. Used for Access Control's inbound per-sender limit
// (spec calls for "sliding-window per-sender", distinct from the
// token-bucket limiter the channel router uses for outbound pacing).
type SlidingWindowLimiter struct {
	Window  time.Duration
	MaxHits int

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewSlidingWindowLimiter creates a bounded limiter.
func NewSlidingWindowLimiter(window time.Duration, maxHits int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		Window:  window,
		MaxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow reports whether key is still within its rate limit, recording the
// hit either way. Stale entries are pruned opportunistically as the tracked
// set approaches its cap.
func (r *SlidingWindowLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.Window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.Window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.MaxHits
}
