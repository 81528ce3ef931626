// Package ratelimit implements the multi-scope sliding-window admission
// check described in SPEC_FULL.md §4.4. It is deliberately not built on
// golang.org/x/time/rate: a token bucket allows short bursts above the
// nominal rate after idle accumulation, which violates invariant 1's
// "no more than N admissions in any window of size W" bound. See
// DESIGN.md for the full rejection note.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-time admission counter for one (scope, identifier,
// quota-kind) tuple. It stores timestamps of admitted requests within the
// trailing window and evicts stale entries on every check.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time // ascending, oldest first
}

// NewWindow builds a Window for the given quota. A limit of 0 means
// unlimited; callers should avoid allocating a Window in that case (Allow
// always returns true for a zero-limit Window, matching "0/<unit> skips
// allocation" from SPEC_FULL.md §3).
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{limit: limit, window: window}
}

// Allow evicts samples older than window, then admits iff count+1 <= limit.
// On admission it records now and returns true.
func (w *Window) Allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// Headroom reports how many more admissions the window could take right
// now without evicting anything further, and the earliest time at which
// an additional slot frees up if the window is currently full.
func (w *Window) Headroom(now time.Time) (remaining int, nextFree time.Time) {
	if w.limit <= 0 {
		return 1 << 30, now
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	remaining = w.limit - len(w.times)
	if remaining > 0 {
		return remaining, now
	}
	return 0, w.times[0].Add(w.window)
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.times); i++ {
		if w.times[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.times = w.times[i:]
	}
}
