package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// SweepLoop periodically removes entries that expired more than Retention ago.
// Backends with native expiry (Redis) do not implement Sweeper and never need one.
type SweepLoop struct {
	Sweeper   idempotencyport.Sweeper
	Interval  time.Duration
	Retention time.Duration
	// OnSwept is called with the number of removed entries after every non-empty pass.
	OnSwept func(n int)
	Log     zerolog.Logger
}

// Run blocks until ctx is done.
func (l SweepLoop) Run(ctx context.Context) {
	if l.Sweeper == nil || l.Interval <= 0 {
		return
	}
	t := time.NewTicker(l.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Once(ctx)
		}
	}
}

// Once runs a single sweep pass.
func (l SweepLoop) Once(ctx context.Context) int {
	n, err := l.Sweeper.Sweep(ctx, l.Retention)
	if err != nil {
		l.Log.Warn().Err(err).Str("op", "sweep").Msg("idempotency sweep failed")
		return 0
	}
	if n > 0 {
		if l.OnSwept != nil {
			l.OnSwept(n)
		}
		l.Log.Debug().Int("removed", n).Dur("retention", l.Retention).Msg("idempotency sweep")
	}
	return n
}
