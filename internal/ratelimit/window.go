package ratelimit

import "time"

// window is the counter state for one key.
type window struct {
	start time.Time
	count int
}

// snapshot returns the count for w at now, resetting the window first if it
// has elapsed.
func (w *window) snapshot(size time.Duration, now time.Time) int {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
	return w.count
}
