package idempotency

import (
	"context"
	"math/rand"
	"time"

	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const (
	waitBackoffStart      = 25 * time.Millisecond
	waitBackoffMax        = 250 * time.Millisecond
	waitBackoffMin        = 5 * time.Millisecond
	waitBackoffMultiplier = 2.0
)

// Waiter polls an in-progress entry until its generation resolves. It sleeps on timers
// between polls, never spins, and honours both the wait budget and the caller's context.
type Waiter struct {
	store  idempotencyport.EntryStore
	jitter time.Duration
	rand   func(int64) int64
}

func NewWaiter(store idempotencyport.EntryStore, jitter time.Duration) *Waiter {
	if jitter < 0 {
		jitter = 0
	}
	return &Waiter{store: store, jitter: jitter, rand: rand.Int63n}
}

// Wait returns once the generation led by ownerToken is over: the entry is terminal,
// missing, or held by a different owner. found is false when the entry is gone.
// When ctx ends first, Wait returns ErrFollowerWaitExhausted; store failures are returned
// unchanged.
func (w *Waiter) Wait(ctx context.Context, scope idempotencyport.Scope, ownerToken string) (idempotencyport.Entry, bool, error) {
	backoff := &waitBackoff{next: waitBackoffStart, jitter: w.jitter, rand: w.rand}
	for {
		if err := sleepWithContext(ctx, backoff.Next(remaining(ctx))); err != nil {
			return idempotencyport.Entry{}, false, ErrFollowerWaitExhausted
		}
		cur, ok, err := w.store.Get(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				return idempotencyport.Entry{}, false, ErrFollowerWaitExhausted
			}
			return idempotencyport.Entry{}, false, err
		}
		if !ok {
			return idempotencyport.Entry{}, false, nil
		}
		if cur.State != idempotencyport.StateInProgress || cur.OwnerToken != ownerToken {
			return cur, true, nil
		}
	}
}

func remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return 0
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

type waitBackoff struct {
	next   time.Duration
	jitter time.Duration
	rand   func(int64) int64
}

// Next returns the delay before the next poll, capped at limit when limit > 0.
func (b *waitBackoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if limit > 0 && limit < sleep {
		sleep = limit
	}
	sleep = b.applyJitter(sleep)
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	if sleep < waitBackoffMin {
		sleep = waitBackoffMin
		if limit > 0 && limit < sleep {
			sleep = limit
		}
	}

	next := time.Duration(float64(b.next) * waitBackoffMultiplier)
	if next > waitBackoffMax {
		next = waitBackoffMax
	}
	b.next = next
	return sleep
}

// applyJitter spreads base uniformly over [base-j, base+j], j = min(jitter, base/2).
func (b *waitBackoff) applyJitter(base time.Duration) time.Duration {
	j := b.jitter
	if base/2 < j {
		j = base / 2
	}
	if j <= 0 || b.rand == nil {
		return base
	}
	return base + time.Duration(b.rand(int64(j)*2+1)) - j
}
