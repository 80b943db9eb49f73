package routing

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffDelay returns the jittered exponential delay before retry number
// attempt, counted from 1. The deterministic part doubles per attempt; the
// jitter adds up to one base on top.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	jitter := time.Duration(rand.Int64N(int64(base))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return d + jitter
}

// Sleep waits for d or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
