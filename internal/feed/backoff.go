package feed

import (
	"context"
	"time"
)

// Backoff doubles from Min up to Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 500 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	delay := lo
	for i := 0; i < attempt && delay < hi; i++ {
		delay *= 2
	}
	if delay > hi {
		delay = hi
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
