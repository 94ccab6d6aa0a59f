// Package ratelimit implements the fixed-window request limiter keyed
// by client address (falling back to peer IP).
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// window is one key's current fixed-window bucket.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window limiter bounded to a fixed number of tracked
// identities — an unbounded map of client addresses/IPs would be a slow
// memory leak under a botnet or a buggy client retrying with fresh
// addresses, so eviction falls back to golang-lru's least-recently-used
// discipline once capacity is reached.
type Limiter struct {
	mu       sync.Mutex
	cache    *lru.Cache
	limit    int
	interval time.Duration
	now      func() time.Time
}

const defaultMaxTrackedKeys = 50_000

// New constructs a Limiter allowing `limit` requests per `interval` per key.
func New(limit int, interval time.Duration, now func() time.Time) *Limiter {
	cache, err := lru.New(defaultMaxTrackedKeys)
	if err != nil {
		// Only returns an error for a non-positive size, which defaultMaxTrackedKeys never is.
		panic("ratelimit: " + err.Error())
	}

	return &Limiter{cache: cache, limit: limit, interval: interval, now: now}
}

// Allow reports whether key may proceed, and if not, how many seconds until
// its window resets.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	raw, ok := l.cache.Get(key)
	if !ok {
		l.cache.Add(key, &window{count: 1, resetAt: now.Add(l.interval)})
		return true, 0
	}

	w := raw.(*window)
	if now.After(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(l.interval)
		return true, 0
	}

	if w.count >= l.limit {
		retryAfter := int(w.resetAt.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}

		return false, retryAfter
	}

	w.count++

	return true, 0
}

// Route-specific request caps.
const (
	GeneralLimit  = 100
	EstimateLimit = 200
	RelayLimit    = 30
)

// Set bundles the three route-specific limiters the HTTP layer wires in.
type Set struct {
	General  *Limiter
	Estimate *Limiter
	Relay    *Limiter
}

// NewSet constructs the three route limiters, all sharing a one-minute window.
func NewSet(now func() time.Time) *Set {
	return &Set{
		General:  New(GeneralLimit, time.Minute, now),
		Estimate: New(EstimateLimit, time.Minute, now),
		Relay:    New(RelayLimit, time.Minute, now),
	}
}
