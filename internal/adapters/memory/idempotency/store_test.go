package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	memclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/clock"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

func TestStore_ConcurrentAcquireHasSingleWinner(t *testing.T) {
	t.Parallel()

	s := NewStore()
	scope := idempotency.Scope{Tenant: domain.TenantID("t1"), Key: "k1"}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryAcquire(context.Background(), idempotency.AcquireRequest{
				Scope:       scope,
				Fingerprint: "fp",
				TTL:         time.Minute,
			})
			if err != nil {
				t.Errorf("TryAcquire err=%v", err)
				return
			}
			if res.Acquired {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners=%d, want 1", got)
	}
}

func TestStore_TryAcquireRejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_, err := s.TryAcquire(context.Background(), idempotency.AcquireRequest{
		Scope:       idempotency.Scope{Tenant: "t1", Key: "k1"},
		Fingerprint: "fp",
	})
	if err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestStore_SweepDropsLongExpiredEntries(t *testing.T) {
	t.Parallel()

	clk := memclock.NewManualClock(time.Unix(1000, 0))
	s := NewStore(WithClock(clk))
	ctx := context.Background()

	for _, k := range []idempotency.Key{"a", "b"} {
		if _, err := s.TryAcquire(ctx, idempotency.AcquireRequest{
			Scope:       idempotency.Scope{Tenant: "t1", Key: k},
			Fingerprint: "fp",
			TTL:         time.Second,
		}); err != nil {
			t.Fatalf("TryAcquire err=%v", err)
		}
	}
	clk.Advance(time.Hour)

	n, err := s.Sweep(ctx, time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("Sweep n=%d err=%v, want 2", n, err)
	}
	if len(s.entries) != 0 {
		t.Fatalf("entries left=%d", len(s.entries))
	}
}
