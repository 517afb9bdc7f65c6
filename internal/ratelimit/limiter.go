// Package ratelimit spaces calls to external lookup services.
//
// A Limiter admits one caller per interval with a burst of one. Callers are
// admitted in reservation order, so a burst of newly seen devices drains at the
// configured pace and no caller waits forever.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum spacing between admitted callers.
type Limiter struct {
	lim      *rate.Limiter
	interval time.Duration
	now      func() time.Time
}

// New returns a limiter admitting one caller per interval.
func New(interval time.Duration) *Limiter {
	return NewWithClock(interval, time.Now)
}

// NewWithClock is New with an explicit time source.
func NewWithClock(interval time.Duration, now func() time.Time) *Limiter {
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &Limiter{
		lim:      rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		now:      now,
	}
}

// Interval reports the configured spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the caller may proceed. It never rejects; it only
// returns early with ctx's error when ctx ends, giving the slot back. A ctx
// that is already done takes no slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter cannot admit a single token")
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(l.now())
		return ctx.Err()
	}
}

// Reserve books the next slot without waiting and returns how long the caller
// would have to wait from now.
func (l *Limiter) Reserve() time.Duration {
	now := l.now()
	return l.lim.ReserveN(now, 1).DelayFrom(now)
}
