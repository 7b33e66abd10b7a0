package internal

import (
	"sync"
	"time"
)

// RateLimiter throttles authentication attempts per remote address with a
// sliding window.
type RateLimiter struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:  make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow records an attempt for the key and reports whether it is within the
// limit for the current window.
func (r *RateLimiter) Allow(key string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	r.sweep(now, windowStart)
	slice := r.attempts[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		r.attempts[key] = slice
		return false
	}
	slice = append(slice, now)
	r.attempts[key] = slice
	return true
}

// sweep drops keys whose every attempt has aged out of the window, so the
// map does not grow without bound across distinct remote addresses. Runs at
// most once per window. Caller holds the mutex.
func (r *RateLimiter) sweep(now, windowStart time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for key, slice := range r.attempts {
		live := false
		for _, ts := range slice {
			if ts.After(windowStart) {
				live = true
				break
			}
		}
		if !live {
			delete(r.attempts, key)
		}
	}
}

// Reset forgets recorded attempts for the key, used after a successful
// authentication so earlier failures stop counting against the client.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}
