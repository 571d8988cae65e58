package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	memidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/idempotency"
	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

func TestMetrics_CountersByRoleAndTenant(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.Hit("t1", appidem.RoleFollower)
	m.Hit("t1", appidem.RoleFollower)
	m.Hit("t2", appidem.RoleFollower)
	m.Miss("t1", appidem.RoleLeader)
	m.Conflict("t1", appidem.RoleLeader)
	m.Decision("t1", appidem.DecisionNotApplicable)
	m.Decision("t1", appidem.DecisionOff)
	m.BackendError("acquire")
	m.OwnerMismatch("t1")

	if got := testutil.ToFloat64(m.Hits.WithLabelValues("follower", "t1")); got != 2 {
		t.Fatalf("hits t1=%v", got)
	}
	if got := testutil.ToFloat64(m.Hits.WithLabelValues("follower", "t2")); got != 1 {
		t.Fatalf("hits t2=%v", got)
	}
	if got := testutil.ToFloat64(m.Misses.WithLabelValues("leader", "t1")); got != 1 {
		t.Fatalf("misses=%v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("not_applicable", "t1")); got != 1 {
		t.Fatalf("not_applicable=%v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("off", "t1")); got != 1 {
		t.Fatalf("off=%v", got)
	}
	if got := testutil.ToFloat64(m.BackendErrors.WithLabelValues("acquire")); got != 1 {
		t.Fatalf("backend errors=%v", got)
	}
	if got := testutil.ToFloat64(m.Mismatches.WithLabelValues("t1")); got != 1 {
		t.Fatalf("owner mismatches=%v", got)
	}
}

func TestMetrics_PurgeAndStuckLocksAreDistinct(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.Purge("t1")
	m.Purge("t1")
	m.StuckLockRecovered("t1")

	if got := testutil.ToFloat64(m.Purges.WithLabelValues("t1")); got != 2 {
		t.Fatalf("purges=%v", got)
	}
	if got := testutil.ToFloat64(m.StuckLocks.WithLabelValues("t1")); got != 1 {
		t.Fatalf("stuck=%v", got)
	}
}

func TestMetrics_GaugesAndHistograms(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.LeaderStarted("t1")
	m.LeaderStarted("t1")
	m.LeaderFinished("t1")
	m.ObserveLockWait("t1", 150*time.Millisecond)
	m.ObserveReplayCount("t1", 3)
	m.Swept(5)
	m.Swept(0)

	if got := testutil.ToFloat64(m.InProgress.WithLabelValues("t1")); got != 1 {
		t.Fatalf("in progress=%v", got)
	}
	if got := testutil.ToFloat64(m.SweptEntries); got != 5 {
		t.Fatalf("swept=%v", got)
	}
	if n := testutil.CollectAndCount(m.LockWait); n != 1 {
		t.Fatalf("lock wait series=%d", n)
	}

	expected := `
# HELP guardrail_idempotency_replay_count Replays served per entry, observed when an entry is purged or overwritten.
# TYPE guardrail_idempotency_replay_count histogram
guardrail_idempotency_replay_count_bucket{tenant="t1",le="1"} 0
guardrail_idempotency_replay_count_bucket{tenant="t1",le="2"} 0
guardrail_idempotency_replay_count_bucket{tenant="t1",le="5"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="10"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="25"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="50"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="100"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="250"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="1000"} 1
guardrail_idempotency_replay_count_bucket{tenant="t1",le="+Inf"} 1
guardrail_idempotency_replay_count_sum{tenant="t1"} 3
guardrail_idempotency_replay_count_count{tenant="t1"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "guardrail_idempotency_replay_count"); err != nil {
		t.Fatalf("replay histogram: %v", err)
	}
}

func TestMetrics_RecentDepthReadAtScrape(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	store := memidempotency.NewStore()
	if err := m.RegisterRecentDepth(reg, store); err != nil {
		t.Fatalf("register err=%v", err)
	}

	ctx := context.Background()
	for _, k := range []idempotencyport.Key{"a", "b", "c"} {
		req := idempotencyport.AcquireRequest{Scope: idempotencyport.Scope{Tenant: "t1", Key: k}, Fingerprint: "fp", TTL: time.Minute}
		if _, err := store.TryAcquire(ctx, req); err != nil {
			t.Fatalf("acquire err=%v", err)
		}
	}
	req := idempotencyport.AcquireRequest{Scope: idempotencyport.Scope{Tenant: "t2", Key: "a"}, Fingerprint: "fp", TTL: time.Minute}
	if _, err := store.TryAcquire(ctx, req); err != nil {
		t.Fatalf("acquire err=%v", err)
	}

	expected := `
# HELP guardrail_idempotency_recent_ring_depth Keys in the tenant's recent activity ring.
# TYPE guardrail_idempotency_recent_ring_depth gauge
guardrail_idempotency_recent_ring_depth{tenant="t1"} 3
guardrail_idempotency_recent_ring_depth{tenant="t2"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "guardrail_idempotency_recent_ring_depth"); err != nil {
		t.Fatalf("depth: %v", err)
	}

	if _, err := store.Delete(ctx, idempotencyport.Scope{Tenant: "t1", Key: "b"}); err != nil {
		t.Fatalf("delete err=%v", err)
	}
	expected = strings.Replace(expected, `{tenant="t1"} 3`, `{tenant="t1"} 2`, 1)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "guardrail_idempotency_recent_ring_depth"); err != nil {
		t.Fatalf("depth after delete: %v", err)
	}
}

type brokenDepths struct{}

func (brokenDepths) RecentDepths(context.Context) (map[domain.TenantID]int, error) {
	return nil, errors.New("connection refused")
}

func TestMetrics_RecentDepthFailureDoesNotFailScrape(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	if err := m.RegisterRecentDepth(reg, brokenDepths{}); err != nil {
		t.Fatalf("register err=%v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather err=%v", err)
	}
	if got := testutil.ToFloat64(m.BackendErrors.WithLabelValues("recent_depths")); got != 1 {
		t.Fatalf("backend errors=%v", got)
	}
}
