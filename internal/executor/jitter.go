package executor

import (
	"context"
	"math/rand"
	"time"
)

// Jitter sleeps a uniform random duration in [0, maxSeconds] before the
// request is sent, honoring ctx cancellation (SPEC_FULL.md §4.6).
func Jitter(ctx context.Context, maxSeconds float64) {
	if maxSeconds <= 0 {
		return
	}
	d := time.Duration(rand.Float64() * maxSeconds * float64(time.Second))
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
