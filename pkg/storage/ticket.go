package storage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Ticketer hands out rate-limited permits for disk writes. A nil Ticketer, or one built with a non-positive rate,
// never limits anything.
type Ticketer struct {
	limiter *rate.Limiter // nil if unlimited.
	maxWait time.Duration
}

// NewTicketer permits `perSecond` tickets per second with bursts of `burst`; a non-positive burst means one
// second worth of tickets. Acquire waits at most `maxWait` for a ticket.
func NewTicketer(perSecond float64, burst int, maxWait time.Duration) *Ticketer {
	t := &Ticketer{maxWait: maxWait}
	if perSecond > 0 {
		if burst <= 0 {
			burst = max(int(perSecond), 1)
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return t
}

// Acquire takes a ticket, waiting no longer than the configured budget. It fails with ErrBackpressure instead of
// waiting when the next ticket is further away than that.
func (t *Ticketer) Acquire(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	reservation := t.limiter.Reserve()
	if !reservation.OK() {
		return ErrBackpressure
	}
	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}
	if delay > t.maxWait {
		reservation.Cancel()
		return fmt.Errorf("%w: next ticket in %v", ErrBackpressure, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return fmt.Errorf("%w: %w", ErrBackpressure, ctx.Err())
	}
}

// TryAcquire takes a ticket only if one is available right now.
func (t *Ticketer) TryAcquire() bool {
	if t == nil || t.limiter == nil {
		return true
	}
	return t.limiter.Allow()
}
