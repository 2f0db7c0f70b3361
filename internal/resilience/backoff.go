package resilience

import (
	"context"
	"time"
)

const (
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 30 * time.Second
)

// Backoff produces a jitter-free exponential delay schedule: Initial on the
// first retry, then doubling until Max. The zero value is ready to use and
// yields one second doubling to a 30 second cap with no retry limit.
//
// Backoff keeps per-loop state and is not safe for concurrent use; give each
// retry loop its own instance.
type Backoff struct {
	// Initial is the first delay. Defaults to 1s.
	Initial time.Duration

	// Max caps the delay growth. Defaults to 30s.
	Max time.Duration

	// Budget limits how many consecutive retries are granted before Next
	// reports exhaustion. Zero means no limit.
	Budget int

	tries int
	delay time.Duration
}

// Next returns the delay to wait before the next retry. The second return
// value is false once the retry budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.Budget > 0 && b.tries >= b.Budget {
		return 0, false
	}
	b.tries++
	if b.delay == 0 {
		b.delay = b.Initial
		if b.delay <= 0 {
			b.delay = defaultBackoffInitial
		}
	} else {
		b.delay *= 2
	}
	limit := b.Max
	if limit <= 0 {
		limit = defaultBackoffMax
	}
	if b.delay > limit {
		b.delay = limit
	}
	return b.delay, true
}

// Reset clears the schedule after a success so the next failure starts over
// at the initial delay.
func (b *Backoff) Reset() {
	b.tries = 0
	b.delay = 0
}

// Tries reports how many retries have been granted since the last Reset.
func (b *Backoff) Tries() int { return b.tries }

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// the context error when interrupted and nil otherwise.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
