package resilience

import (
	"context"
	"time"
)

// Default backoff parameters.
const (
	DefaultBackoffInitial     = 1 * time.Second
	DefaultBackoffMax         = 30 * time.Second
	DefaultBackoffMaxAttempts = 10
)

// Backoff is a capped exponential delay schedule shared by everything that
// reconnects or restarts: capture supervision and chat observers.
type Backoff struct {
	// Initial is the delay before the first retry. Default: 1s.
	Initial time.Duration

	// Max caps the delay. Default: 30s.
	Max time.Duration

	// MaxAttempts is the number of consecutive failed attempts after which
	// callers give up. Zero means [DefaultBackoffMaxAttempts]; negative means
	// retry forever.
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoffInitial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = DefaultBackoffMaxAttempts
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based): Initial,
// doubling each attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Exhausted reports whether attempt exceeds the attempt budget.
func (b Backoff) Exhausted(attempt int) bool {
	b = b.withDefaults()
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

// Cap returns the effective maximum delay.
func (b Backoff) Cap() time.Duration { return b.withDefaults().Max }

// Sleep waits for d or until ctx is done, returning ctx's error in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
