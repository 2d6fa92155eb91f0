package retry

import (
	"context"
	"time"

	"github.com/patrickspencer/backrun/internal/runner"
)

// Operation executes a single attempt and returns its record. The
// attempt counter starts at 1.
type Operation func(ctx context.Context, attempt int) *runner.Attempt

// Backoff computes the wait interval between failed attempts:
// Base doubled per attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Interval returns the backoff to wait after the given failed attempt.
func (b Backoff) Interval(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Policy retries a fallible operation up to MaxAttempts times with
// exponential backoff between failures.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Execute runs op until it succeeds or the attempt budget is spent,
// returning every attempt made in order. It stops early on the first
// success and when ctx is canceled during a backoff wait.
func (p Policy) Execute(ctx context.Context, op Operation) []*runner.Attempt {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}

	attempts := make([]*runner.Attempt, 0, max)
	for i := 1; i <= max; i++ {
		att := op(ctx, i)
		att.Number = i
		attempts = append(attempts, att)

		if att.Succeeded() || i == max {
			break
		}
		if !sleep(ctx, p.Backoff.Interval(i)) {
			break
		}
	}
	return attempts
}

// sleep waits for d and reports whether the wait completed before ctx
// was canceled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
