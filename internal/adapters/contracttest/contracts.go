package contracttest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	memclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/clock"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	clockport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/clock"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

type CleanupFunc = func()

// EntryStoreOptions are handed to a factory so every backend runs against the same clock
// and ring capacity.
type EntryStoreOptions struct {
	Clock          clockport.Clock
	RecentCapacity int
}

type EntryStoreFactory func(t *testing.T, opts EntryStoreOptions) (idempotencyport.EntryStore, CleanupFunc)

// RunEntryStore checks that a backend provides the observable semantics every
// coordinator relies on. Each subtest gets a fresh store and a unique tenant.
func RunEntryStore(t *testing.T, newStore EntryStoreFactory) {
	t.Helper()

	setup := func(t *testing.T, capacity int) (idempotencyport.EntryStore, *memclock.ManualClock, domain.TenantID) {
		t.Helper()
		clk := memclock.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		store, cleanup := newStore(t, EntryStoreOptions{Clock: clk, RecentCapacity: capacity})
		if cleanup != nil {
			t.Cleanup(cleanup)
		}
		return store, clk, domain.TenantID("tenant-" + uuid.NewString())
	}

	t.Run("AcquireThenAlreadyLeased", func(t *testing.T) {
		ctx := context.Background()
		store, _, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-1"}

		first, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		if !first.Acquired || first.OwnerToken == "" {
			t.Fatalf("first acquire=%+v, want acquired with token", first)
		}

		got, ok, err := store.Get(ctx, scope)
		if err != nil || !ok {
			t.Fatalf("Get ok=%v err=%v", ok, err)
		}
		if got.State != idempotencyport.StateInProgress || got.Fingerprint != "fp-a" || got.OwnerToken != first.OwnerToken {
			t.Fatalf("unexpected entry: %+v", got)
		}

		second, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil {
			t.Fatalf("TryAcquire second: %v", err)
		}
		if second.Acquired {
			t.Fatalf("expected AlreadyLeased")
		}
		if second.Existing.State != idempotencyport.StateInProgress || second.Existing.Fingerprint != "fp-a" {
			t.Fatalf("unexpected existing snapshot: %+v", second.Existing)
		}

		// A different payload cannot steal a live lease, even with Overwrite.
		third, err := store.TryAcquire(ctx, idempotencyport.AcquireRequest{Scope: scope, Fingerprint: "fp-b", TTL: time.Minute, Overwrite: true})
		if err != nil || third.Acquired {
			t.Fatalf("overwrite of in-progress: acquired=%v err=%v", third.Acquired, err)
		}
	})

	t.Run("StoreResultIsOwnerGuardedAndImmutable", func(t *testing.T) {
		ctx := context.Background()
		store, _, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-store"}

		res, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil || !res.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", res.Acquired, err)
		}

		resp := sampleResponse(`{"ok":true}`)
		if err := store.StoreResult(ctx, scope, "not-the-owner", resp, time.Hour); !errors.Is(err, idempotencyport.ErrOwnerMismatch) {
			t.Fatalf("StoreResult wrong owner err=%v, want ErrOwnerMismatch", err)
		}
		if err := store.StoreResult(ctx, scope, res.OwnerToken, resp, time.Hour); err != nil {
			t.Fatalf("StoreResult: %v", err)
		}
		// A second store by the same (now finished) leader is rejected.
		if err := store.StoreResult(ctx, scope, res.OwnerToken, resp, time.Hour); !errors.Is(err, idempotencyport.ErrOwnerMismatch) {
			t.Fatalf("StoreResult twice err=%v, want ErrOwnerMismatch", err)
		}

		got, ok, err := store.Get(ctx, scope)
		if err != nil || !ok {
			t.Fatalf("Get ok=%v err=%v", ok, err)
		}
		if got.State != idempotencyport.StateStored || got.Response == nil {
			t.Fatalf("unexpected entry: %+v", got)
		}
		if got.Response.StatusCode != http.StatusCreated || got.Response.ContentType != "application/json" {
			t.Fatalf("unexpected response meta: %+v", got.Response)
		}
		if !bytes.Equal(got.Response.Body, resp.Body) || got.Response.Header.Get("X-Policy") != "allow" {
			t.Fatalf("body=%q header=%v", got.Response.Body, got.Response.Header)
		}

		// Mutating a snapshot never changes what the next reader sees.
		got.Response.Body[0] = 'X'
		again, _, _ := store.Get(ctx, scope)
		if !bytes.Equal(again.Response.Body, resp.Body) {
			t.Fatalf("stored body mutated through snapshot: %q", again.Response.Body)
		}

		leased, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil || leased.Acquired {
			t.Fatalf("acquire over stored same fingerprint acquired=%v err=%v", leased.Acquired, err)
		}
		if leased.Existing.State != idempotencyport.StateStored || leased.Existing.Response == nil {
			t.Fatalf("expected stored snapshot, got %+v", leased.Existing)
		}
	})

	t.Run("ConflictOverwriteRequiresFlag", func(t *testing.T) {
		ctx := context.Background()
		store, _, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-conflict"}
		storeResult(t, store, scope, "fp-a", `{"a":1}`)

		plain, err := store.TryAcquire(ctx, acquireReq(scope, "fp-b", time.Minute))
		if err != nil || plain.Acquired {
			t.Fatalf("acquire without overwrite acquired=%v err=%v", plain.Acquired, err)
		}
		if plain.Existing.Fingerprint != "fp-a" {
			t.Fatalf("existing fingerprint=%q", plain.Existing.Fingerprint)
		}

		same, err := store.TryAcquire(ctx, idempotencyport.AcquireRequest{Scope: scope, Fingerprint: "fp-a", TTL: time.Minute, Overwrite: true})
		if err != nil || same.Acquired {
			t.Fatalf("overwrite with identical fingerprint acquired=%v err=%v", same.Acquired, err)
		}

		over, err := store.TryAcquire(ctx, idempotencyport.AcquireRequest{Scope: scope, Fingerprint: "fp-b", TTL: time.Minute, Overwrite: true})
		if err != nil || !over.Acquired {
			t.Fatalf("overwrite acquired=%v err=%v", over.Acquired, err)
		}
		if over.Replaced == nil || over.Replaced.Fingerprint != "fp-a" || over.Replaced.State != idempotencyport.StateStored {
			t.Fatalf("replaced=%+v", over.Replaced)
		}
		got, _, _ := store.Get(ctx, scope)
		if got.State != idempotencyport.StateInProgress || got.Fingerprint != "fp-b" || got.Response != nil {
			t.Fatalf("unexpected entry after overwrite: %+v", got)
		}
	})

	t.Run("ReleasedIsReacquirable", func(t *testing.T) {
		ctx := context.Background()
		store, _, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-release"}

		res, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil || !res.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", res.Acquired, err)
		}
		if err := store.Release(ctx, scope, "someone-else"); !errors.Is(err, idempotencyport.ErrOwnerMismatch) {
			t.Fatalf("Release wrong owner err=%v", err)
		}
		if err := store.Release(ctx, scope, res.OwnerToken); err != nil {
			t.Fatalf("Release: %v", err)
		}
		got, ok, _ := store.Get(ctx, scope)
		if !ok || got.State != idempotencyport.StateReleased || got.Response != nil {
			t.Fatalf("unexpected released entry ok=%v %+v", ok, got)
		}

		next, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil || !next.Acquired || next.OwnerToken == res.OwnerToken {
			t.Fatalf("reacquire acquired=%v token=%q err=%v", next.Acquired, next.OwnerToken, err)
		}
	})

	t.Run("ExpiredEntriesReadAsMissing", func(t *testing.T) {
		ctx := context.Background()
		store, clk, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-ttl"}

		stale, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Second))
		if err != nil || !stale.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", stale.Acquired, err)
		}
		clk.Advance(2 * time.Second)

		if _, ok, err := store.Get(ctx, scope); err != nil || ok {
			t.Fatalf("Get after expiry ok=%v err=%v, want missing", ok, err)
		}

		fresh, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Minute))
		if err != nil || !fresh.Acquired {
			t.Fatalf("acquire after expiry acquired=%v err=%v", fresh.Acquired, err)
		}

		// The original leader finishing late must not clobber the new generation.
		if err := store.StoreResult(ctx, scope, stale.OwnerToken, sampleResponse(`{}`), time.Minute); !errors.Is(err, idempotencyport.ErrOwnerMismatch) {
			t.Fatalf("stale StoreResult err=%v, want ErrOwnerMismatch", err)
		}
		if err := store.Release(ctx, scope, stale.OwnerToken); !errors.Is(err, idempotencyport.ErrOwnerMismatch) {
			t.Fatalf("stale Release err=%v, want ErrOwnerMismatch", err)
		}
		if err := store.StoreResult(ctx, scope, fresh.OwnerToken, sampleResponse(`{}`), time.Second); err != nil {
			t.Fatalf("StoreResult: %v", err)
		}
		clk.Advance(2 * time.Second)
		if _, ok, _ := store.Get(ctx, scope); ok {
			t.Fatalf("stored entry visible after ttl")
		}
	})

	t.Run("ReplayCountAndTouch", func(t *testing.T) {
		ctx := context.Background()
		store, clk, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-replay"}

		if _, ok, err := store.RecordReplay(ctx, scope, 0); err != nil || ok {
			t.Fatalf("RecordReplay on missing ok=%v err=%v", ok, err)
		}
		storeResult(t, store, scope, "fp-a", `{"n":1}`)

		for want := int64(1); want <= 2; want++ {
			n, ok, err := store.RecordReplay(ctx, scope, 0)
			if err != nil || !ok || n != want {
				t.Fatalf("RecordReplay n=%d ok=%v err=%v, want %d", n, ok, err, want)
			}
		}

		clk.Advance(30 * time.Minute)
		if _, ok, err := store.RecordReplay(ctx, scope, 2*time.Hour); err != nil || !ok {
			t.Fatalf("RecordReplay with extend ok=%v err=%v", ok, err)
		}
		clk.Advance(90 * time.Minute)
		got, ok, _ := store.Get(ctx, scope)
		if !ok || got.ReplayCount != 3 {
			t.Fatalf("after extend ok=%v replay_count=%d", ok, got.ReplayCount)
		}

		if touched, err := store.Touch(ctx, scope, time.Hour); err != nil || !touched {
			t.Fatalf("Touch touched=%v err=%v", touched, err)
		}
		clk.Advance(50 * time.Minute)
		if _, ok, _ := store.Get(ctx, scope); !ok {
			t.Fatalf("entry expired despite touch")
		}
		clk.Advance(20 * time.Minute)
		if _, ok, _ := store.Get(ctx, scope); ok {
			t.Fatalf("entry alive past touched ttl")
		}
		if touched, _ := store.Touch(ctx, scope, time.Hour); touched {
			t.Fatalf("Touch resurrected an expired entry")
		}
	})

	t.Run("DeleteReportsStuckLocks", func(t *testing.T) {
		ctx := context.Background()
		store, clk, tenant := setup(t, 10)
		healthy := idempotencyport.Scope{Tenant: tenant, Key: "k-healthy"}
		stuck := idempotencyport.Scope{Tenant: tenant, Key: "k-stuck"}

		storeResult(t, store, healthy, "fp-a", `{}`)
		res, err := store.Delete(ctx, healthy)
		if err != nil || !res.Removed || res.StuckLock {
			t.Fatalf("Delete healthy=%+v err=%v", res, err)
		}
		if res.Previous.State != idempotencyport.StateStored {
			t.Fatalf("previous=%+v", res.Previous)
		}
		if _, ok, _ := store.Get(ctx, healthy); ok {
			t.Fatalf("entry still present after delete")
		}
		res, err = store.Delete(ctx, healthy)
		if err != nil || res.Removed {
			t.Fatalf("second Delete=%+v err=%v", res, err)
		}

		if acq, err := store.TryAcquire(ctx, acquireReq(stuck, "fp-a", time.Second)); err != nil || !acq.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", acq.Acquired, err)
		}
		clk.Advance(5 * time.Second)
		res, err = store.Delete(ctx, stuck)
		if err != nil || !res.Removed || !res.StuckLock {
			t.Fatalf("Delete stuck=%+v err=%v", res, err)
		}
	})

	t.Run("ExpiredLocksStayInspectableUntilRemoved", func(t *testing.T) {
		ctx := context.Background()
		store, clk, tenant := setup(t, 10)
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-stale"}

		if acq, err := store.TryAcquire(ctx, acquireReq(scope, "fp-a", time.Second)); err != nil || !acq.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", acq.Acquired, err)
		}
		clk.Advance(5 * time.Second)

		recent, err := store.ListRecent(ctx, tenant, 0)
		if err != nil || len(recent) != 1 {
			t.Fatalf("recent=%+v err=%v", recent, err)
		}
		if recent[0].State != idempotencyport.StateInProgress || !recent[0].Expired {
			t.Fatalf("stuck lock listed as %+v, want in_progress and expired", recent[0])
		}

		rg, ok := store.(idempotencyport.RetainedGetter)
		if !ok {
			t.Fatalf("store %T does not expose retained entries", store)
		}
		got, found, err := rg.GetRetained(ctx, scope)
		if err != nil || !found || !got.StuckAt(clk.Now()) {
			t.Fatalf("GetRetained found=%v err=%v entry=%+v", found, err, got)
		}
		if _, live, _ := store.Get(ctx, scope); live {
			t.Fatalf("Get returned an expired lock")
		}

		if res, err := store.Delete(ctx, scope); err != nil || !res.StuckLock {
			t.Fatalf("Delete=%+v err=%v", res, err)
		}
		if _, found, err := rg.GetRetained(ctx, scope); err != nil || found {
			t.Fatalf("GetRetained after delete found=%v err=%v", found, err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		ctx := context.Background()
		store, _, tenant := setup(t, 10)
		other := domain.TenantID(string(tenant) + "-other")
		a := idempotencyport.Scope{Tenant: tenant, Key: "shared-key"}
		b := idempotencyport.Scope{Tenant: other, Key: "shared-key"}

		storeResult(t, store, a, "fp-a", `{"tenant":"a"}`)

		if _, ok, _ := store.Get(ctx, b); ok {
			t.Fatalf("tenant b observed tenant a's entry")
		}
		res, err := store.TryAcquire(ctx, acquireReq(b, "fp-a", time.Minute))
		if err != nil || !res.Acquired {
			t.Fatalf("tenant b acquire acquired=%v err=%v", res.Acquired, err)
		}
		recent, err := store.ListRecent(ctx, other, 0)
		if err != nil || len(recent) != 1 || recent[0].State != idempotencyport.StateInProgress {
			t.Fatalf("tenant b recent=%+v err=%v", recent, err)
		}
		got, _, _ := store.Get(ctx, a)
		if got.State != idempotencyport.StateStored || string(got.Response.Body) != `{"tenant":"a"}` {
			t.Fatalf("tenant a entry disturbed: %+v", got)
		}
	})

	t.Run("RecentRingIsBoundedAndNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		store, clk, tenant := setup(t, 3)

		for _, k := range []idempotencyport.Key{"k1", "k2", "k3", "k4"} {
			storeResult(t, store, idempotencyport.Scope{Tenant: tenant, Key: k}, "fp", `{}`)
			clk.Advance(time.Second)
		}
		if _, _, err := store.RecordReplay(ctx, idempotencyport.Scope{Tenant: tenant, Key: "k2"}, 0); err != nil {
			t.Fatalf("RecordReplay: %v", err)
		}

		recent, err := store.ListRecent(ctx, tenant, 0)
		if err != nil {
			t.Fatalf("ListRecent: %v", err)
		}
		if len(recent) != 3 {
			t.Fatalf("ring depth=%d, want 3: %+v", len(recent), recent)
		}
		if recent[0].Key != "k2" || recent[1].Key != "k4" || recent[2].Key != "k3" {
			t.Fatalf("unexpected order: %+v", recent)
		}
		if recent[0].ReplayCount != 1 || recent[0].State != idempotencyport.StateStored {
			t.Fatalf("unexpected k2 activity: %+v", recent[0])
		}
		if !recent[0].FirstSeenAt.Before(recent[0].LastSeenAt) {
			t.Fatalf("first_seen=%v last_seen=%v", recent[0].FirstSeenAt, recent[0].LastSeenAt)
		}

		limited, err := store.ListRecent(ctx, tenant, 1)
		if err != nil || len(limited) != 1 || limited[0].Key != "k2" {
			t.Fatalf("limited=%+v err=%v", limited, err)
		}

		if _, err := store.Delete(ctx, idempotencyport.Scope{Tenant: tenant, Key: "k4"}); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		recent, _ = store.ListRecent(ctx, tenant, 0)
		for _, a := range recent {
			if a.Key == "k4" {
				t.Fatalf("purged key still listed: %+v", recent)
			}
		}

		empty, err := store.ListRecent(ctx, domain.TenantID("nobody-"+uuid.NewString()), 10)
		if err != nil || len(empty) != 0 {
			t.Fatalf("unknown tenant recent=%+v err=%v", empty, err)
		}

		rd, ok := store.(idempotencyport.RecentDepther)
		if !ok {
			t.Fatalf("store %T does not report ring depths", store)
		}
		depths, err := rd.RecentDepths(ctx)
		if err != nil || depths[tenant] != 2 {
			t.Fatalf("depths[%s]=%d err=%v, want 2", tenant, depths[tenant], err)
		}
	})

	t.Run("SweepKeepsRecentlyExpiredLocks", func(t *testing.T) {
		ctx := context.Background()
		store, clk, tenant := setup(t, 10)
		sw, ok := store.(idempotencyport.Sweeper)
		if !ok {
			t.Skip("store does not need sweeping")
		}
		scope := idempotencyport.Scope{Tenant: tenant, Key: "k-sweep"}
		if acq, err := store.TryAcquire(ctx, acquireReq(scope, "fp", time.Second)); err != nil || !acq.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", acq.Acquired, err)
		}
		clk.Advance(10 * time.Second)
		if _, err := sw.Sweep(ctx, time.Minute); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if res, _ := store.Delete(ctx, scope); !res.StuckLock {
			t.Fatalf("recently expired lock swept too early: %+v", res)
		}

		if acq, err := store.TryAcquire(ctx, acquireReq(scope, "fp", time.Second)); err != nil || !acq.Acquired {
			t.Fatalf("TryAcquire acquired=%v err=%v", acq.Acquired, err)
		}
		clk.Advance(2 * time.Minute)
		n, err := sw.Sweep(ctx, time.Minute)
		if err != nil || n < 1 {
			t.Fatalf("Sweep n=%d err=%v", n, err)
		}
		if res, _ := store.Delete(ctx, scope); res.Removed {
			t.Fatalf("swept entry still present")
		}
	})
}

func acquireReq(scope idempotencyport.Scope, fp idempotencyport.Fingerprint, ttl time.Duration) idempotencyport.AcquireRequest {
	return idempotencyport.AcquireRequest{Scope: scope, Fingerprint: fp, TTL: ttl}
}

func sampleResponse(body string) idempotencyport.CachedResponse {
	h := http.Header{}
	h.Set("X-Policy", "allow")
	return idempotencyport.CachedResponse{
		StatusCode:  http.StatusCreated,
		Header:      h,
		ContentType: "application/json",
		Body:        []byte(body),
	}
}

func storeResult(t *testing.T, store idempotencyport.EntryStore, scope idempotencyport.Scope, fp idempotencyport.Fingerprint, body string) {
	t.Helper()
	ctx := context.Background()
	res, err := store.TryAcquire(ctx, acquireReq(scope, fp, time.Minute))
	if err != nil || !res.Acquired {
		t.Fatalf("seed acquire %s acquired=%v err=%v", scope.Key, res.Acquired, err)
	}
	if err := store.StoreResult(ctx, scope, res.OwnerToken, sampleResponse(body), time.Hour); err != nil {
		t.Fatalf("seed store %s: %v", scope.Key, err)
	}
}
