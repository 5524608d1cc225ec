package dispatch

import (
	"context"
	"time"
)

// computeBackoff doubles baseMs per prior retry, capped at maxMs.
func computeBackoff(baseMs, maxMs, retry int) time.Duration {
	if baseMs <= 0 {
		return 0
	}
	limit := time.Duration(maxMs) * time.Millisecond
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < retry; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if limit > 0 && backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
