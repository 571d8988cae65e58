package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	memclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/clock"
	memidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

type recordingMetrics struct {
	mu       sync.Mutex
	counts   map[string]int
	waits    []time.Duration
	replays  []int64
	inflight map[domain.TenantID]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counts:   map[string]int{},
		inflight: map[domain.TenantID]int{},
	}
}

func (m *recordingMetrics) inc(format string, args ...any) {
	m.mu.Lock()
	m.counts[fmt.Sprintf(format, args...)]++
	m.mu.Unlock()
}

func (m *recordingMetrics) count(format string, args ...any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[fmt.Sprintf(format, args...)]
}

func (m *recordingMetrics) Hit(t domain.TenantID, r Role) {
	m.inc("hit/%s/%s", t, r)
}

func (m *recordingMetrics) Miss(t domain.TenantID, r Role) {
	m.inc("miss/%s/%s", t, r)
}

func (m *recordingMetrics) Conflict(t domain.TenantID, r Role) {
	m.inc("conflict/%s/%s", t, r)
}

func (m *recordingMetrics) Decision(t domain.TenantID, d Decision) {
	m.inc("decision/%s/%s", t, d)
}

func (m *recordingMetrics) LeaderStarted(t domain.TenantID) {
	m.mu.Lock()
	m.inflight[t]++
	m.mu.Unlock()
}

func (m *recordingMetrics) LeaderFinished(t domain.TenantID) {
	m.mu.Lock()
	m.inflight[t]--
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveLockWait(_ domain.TenantID, d time.Duration) {
	m.mu.Lock()
	m.waits = append(m.waits, d)
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveReplayCount(_ domain.TenantID, n int64) {
	m.mu.Lock()
	m.replays = append(m.replays, n)
	m.mu.Unlock()
}

func (m *recordingMetrics) Purge(t domain.TenantID) {
	m.inc("purge/%s", t)
}

func (m *recordingMetrics) StuckLockRecovered(t domain.TenantID) {
	m.inc("stuck/%s", t)
}

func (m *recordingMetrics) BackendError(op string) {
	m.inc("backend/%s", op)
}

func (m *recordingMetrics) OwnerMismatch(t domain.TenantID) {
	m.inc("owner_mismatch/%s", t)
}

// failingStore wraps a real store and fails the selected operations.
type failingStore struct {
	idempotencyport.EntryStore
	failAcquire bool
	failGet     bool
}

var errStoreDown = errors.New("connection refused")

func (s *failingStore) TryAcquire(ctx context.Context, req idempotencyport.AcquireRequest) (idempotencyport.AcquireResult, error) {
	if s.failAcquire {
		return idempotencyport.AcquireResult{}, idempotencyport.Unavailable("acquire", errStoreDown)
	}
	return s.EntryStore.TryAcquire(ctx, req)
}

func (s *failingStore) Get(ctx context.Context, scope idempotencyport.Scope) (idempotencyport.Entry, bool, error) {
	if s.failGet {
		return idempotencyport.Entry{}, false, idempotencyport.Unavailable("get", errStoreDown)
	}
	return s.EntryStore.Get(ctx, scope)
}

func newMemStore(t *testing.T) (*memidempotency.Store, *memclock.ManualClock) {
	t.Helper()
	clk := memclock.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return memidempotency.NewStore(memidempotency.WithClock(clk)), clk
}

func postRequest(tenant domain.TenantID, key, body string) Request {
	return Request{
		Tenant:      tenant,
		Subject:     "sub-1",
		Method:      http.MethodPost,
		Path:        "/v1/guardrail",
		Route:       "/v1/guardrail",
		Key:         key,
		ContentType: "application/json",
		Body:        []byte(body),
	}
}

// jsonExecutor returns a handler that answers status with body and counts its calls.
func jsonExecutor(calls *atomic.Int32, status int, body string) Executor {
	return func(ctx context.Context) (Outcome, error) {
		calls.Add(1)
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		return Outcome{Response: idempotencyport.CachedResponse{
			StatusCode:  status,
			Header:      h,
			ContentType: "application/json",
			Body:        []byte(body),
		}}, nil
	}
}

// callCountingStore wraps a real store and records replay bookkeeping calls.
type callCountingStore struct {
	idempotencyport.EntryStore
	mu      sync.Mutex
	extends []time.Duration
	touches int
}

func (s *callCountingStore) RecordReplay(ctx context.Context, scope idempotencyport.Scope, extendTTL time.Duration) (int64, bool, error) {
	s.mu.Lock()
	s.extends = append(s.extends, extendTTL)
	s.mu.Unlock()
	return s.EntryStore.RecordReplay(ctx, scope, extendTTL)
}

func (s *callCountingStore) Touch(ctx context.Context, scope idempotencyport.Scope, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
	return s.EntryStore.Touch(ctx, scope, ttl)
}
