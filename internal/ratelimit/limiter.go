// Package ratelimit provides a bounded fixed-window limiter keyed by string.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the limit.
func Check(count int, limit Limit) CheckResult {
	if !limit.Enabled() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{Current: count, Limit: limit.MaxRequests}
}

// Limiter tracks one window per key. The least recently used key is dropped
// when more than maxKeys are tracked.
type Limiter struct {
	mu      sync.Mutex
	limit   Limit
	windows *lru.Cache[string, *window]
	now     func() time.Time
}

// New creates a Limiter. maxKeys <= 0 uses DefaultMaxKeys; a nil now uses
// time.Now.
func New(limit Limit, maxKeys int, now func() time.Time) *Limiter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[string, *window](maxKeys)
	if err != nil {
		panic(fmt.Sprintf("ratelimit: %v", err))
	}
	return &Limiter{limit: limit, windows: cache, now: now}
}

// Allow records one request for key when it fits the budget. An exceeded
// result leaves the count unchanged.
func (l *Limiter) Allow(key string) CheckResult {
	if !l.limit.Enabled() {
		return CheckResult{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows.Get(key)
	if !ok {
		w = &window{start: now}
		l.windows.Add(key, w)
	}
	result := Check(w.snapshot(l.limit.Window, now), l.limit)
	if !result.Exceeded {
		w.count++
		result.Current = w.count
	}
	return result
}

// Count returns the requests recorded for key in its current window.
func (l *Limiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows.Peek(key)
	if !ok {
		return 0
	}
	return w.snapshot(l.limit.Window, l.now())
}

// Forget drops the state for key.
func (l *Limiter) Forget(key string) {
	l.windows.Remove(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.windows.Len()
}
