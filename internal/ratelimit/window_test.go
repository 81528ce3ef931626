package ratelimit

import (
	"testing"
	"time"
)

func TestWindowAllowsUpToLimit(t *testing.T) {
	w := NewWindow(3, time.Second)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !w.Allow(now) {
			t.Fatalf("admission %d should have been allowed", i)
		}
	}
	if w.Allow(now) {
		t.Fatalf("4th admission within the same instant should be blocked")
	}
}

func TestWindowSlidesOverTime(t *testing.T) {
	w := NewWindow(2, 100*time.Millisecond)
	base := time.Now()
	if !w.Allow(base) || !w.Allow(base) {
		t.Fatalf("expected first two admissions to succeed")
	}
	if w.Allow(base.Add(50 * time.Millisecond)) {
		t.Fatalf("expected third admission to be blocked inside the window")
	}
	if !w.Allow(base.Add(150 * time.Millisecond)) {
		t.Fatalf("expected admission once the window has slid past the first sample")
	}
}

func TestWindowZeroLimitUnlimited(t *testing.T) {
	w := NewWindow(0, time.Second)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !w.Allow(now) {
			t.Fatalf("zero-limit window must never block")
		}
	}
}

func TestWindowHeadroomReportsNextFree(t *testing.T) {
	w := NewWindow(1, 200*time.Millisecond)
	base := time.Now()
	w.Allow(base)
	remaining, next := w.Headroom(base)
	if remaining != 0 {
		t.Fatalf("expected no headroom immediately after filling the window, got %d", remaining)
	}
	if !next.After(base) {
		t.Fatalf("expected next-free time after base, got %v vs %v", next, base)
	}
}

func TestInvariantBoundedCountInAnyWindow(t *testing.T) {
	// Invariant 1: count in any window of size W never exceeds N, even
	// under a dense admission sequence.
	w := NewWindow(5, 50*time.Millisecond)
	base := time.Now()
	admitted := 0
	for i := 0; i < 200; i++ {
		moment := base.Add(time.Duration(i) * time.Millisecond)
		if w.Allow(moment) {
			admitted++
		}
		// Check the trailing 50ms window at every step never exceeds 5.
		w.mu.Lock()
		count := 0
		cutoff := moment.Add(-50 * time.Millisecond)
		for _, s := range w.times {
			if s.After(cutoff) {
				count++
			}
		}
		w.mu.Unlock()
		if count > 5 {
			t.Fatal("window exceeded invariant bound")
		}
	}
}
