package messaging

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReadBackoff returns the delay schedule for transport errors on the read
// path. It never gives up; the consume loop stops on cancellation instead.
func newReadBackoff(min, max time.Duration) *backoff.ExponentialBackOff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleepCtx waits for d or until ctx is done. It reports whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
