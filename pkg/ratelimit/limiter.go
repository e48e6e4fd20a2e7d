// Package ratelimit paces outgoing exchange API calls.
//
// Every exchange enforces its own request budget, and one account can be
// banned for exceeding it, so each (exchange, market type) adapter owns an
// independent limiter instance; limiters are never shared across adapters
// and two adapters never block each other.
//
// The limiter implements a sliding window: it remembers the send time of
// each request and guarantees that no more than Rate.Limit requests leave
// the process within any rolling Rate.Interval, even under concurrent
// callers. This is stricter than a token bucket, which allows bursts that
// straddle bucket boundaries, and unlike the token bucket implementations
// in the ecosystem it can report the remaining budget and be reset, both
// of which the request pipeline and its tests rely on.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Rate is a request budget: Limit operations per Interval.
type Rate struct {
	Limit    int
	Interval time.Duration
}

// RateLimiter controls the pace of outgoing requests.
type RateLimiter interface {
	// Wait blocks until a request may legally be sent, then records it.
	// It returns early with the context's error if ctx is done. Callers
	// waiting on the same instance serialize on the window; independent
	// instances never affect each other.
	Wait(ctx context.Context) error

	// Remaining reports how many requests may be sent right now without
	// waiting. Non-blocking. A disabled limiter reports math.MaxInt.
	Remaining() int

	// Reset clears the recorded history. Used in tests.
	Reset()

	// SetLimit replaces the budget. The recorded history is kept, so a
	// tighter limit takes effect immediately.
	SetLimit(rate Rate) error
}

// slidingWindow implements RateLimiter over a mutex-guarded timestamp
// slice.
type slidingWindow struct {
	mu      sync.Mutex
	rate    Rate
	enabled bool
	stamps  []time.Time

	// now is swapped out by tests.
	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter enforcing the given budget.
func NewSlidingWindowLimiter(rate Rate) RateLimiter {
	return &slidingWindow{
		rate:    rate,
		enabled: true,
		now:     time.Now,
	}
}

// NewDisabledLimiter creates a no-op limiter: Wait returns immediately
// and Remaining reports an unbounded budget. Used when pacing
// is switched off in the adapter config.
func NewDisabledLimiter(rate Rate) RateLimiter {
	return &slidingWindow{
		rate:    rate,
		enabled: false,
		now:     time.Now,
	}
}

func (l *slidingWindow) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limit wait cancelled: %w", err)
		}

		l.mu.Lock()
		if !l.enabled {
			l.mu.Unlock()
			return nil
		}
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.rate.Limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		// Window full: sleep until the oldest recorded request ages out,
		// then re-evaluate. Contention that accumulated while sleeping is
		// handled by looping rather than assuming the slot is still free.
		wait := l.rate.Interval - now.Sub(l.stamps[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *slidingWindow) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return math.MaxInt
	}
	l.prune(l.now())
	return l.rate.Limit - len(l.stamps)
}

func (l *slidingWindow) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = nil
}

func (l *slidingWindow) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	return nil
}

// prune drops timestamps older than one interval. Caller holds l.mu.
func (l *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.rate.Interval)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// FromBudget builds the limiter an adapter needs from its configured
// request budget and pacing toggle.
func FromBudget(limit int, interval time.Duration, enabled bool) RateLimiter {
	rate := Rate{Limit: limit, Interval: interval}
	if !enabled {
		return NewDisabledLimiter(rate)
	}
	return NewSlidingWindowLimiter(rate)
}
