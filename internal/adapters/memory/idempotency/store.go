package idempotency

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	platformclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/clock"
	clockport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/clock"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// DefaultRecentCapacity bounds each tenant's recent activity ring when no option is given.
const DefaultRecentCapacity = 100

// Store is an in-process implementation of idempotency.EntryStore for a single instance.
// Expiry is checked lazily on every access. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[idempotency.Scope]idempotency.Entry
	rings   map[domain.TenantID]*recentRing

	clk          clockport.Clock
	ringCapacity int
	newToken     func() string
}

type Option func(*Store)

// WithClock overrides the time source (tests use a manual clock).
func WithClock(c clockport.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithRecentCapacity sets the per-tenant recent activity ring size.
func WithRecentCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ringCapacity = n
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:      make(map[idempotency.Scope]idempotency.Entry),
		rings:        make(map[domain.TenantID]*recentRing),
		clk:          platformclock.NewSystemClock(),
		ringCapacity: DefaultRecentCapacity,
		newToken:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TryAcquire(ctx context.Context, req idempotency.AcquireRequest) (idempotency.AcquireResult, error) {
	_ = ctx
	if req.TTL <= 0 {
		return idempotency.AcquireResult{}, errors.New("ttl must be > 0")
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[req.Scope]
	if ok && !req.CanReplace(cur, now) {
		return idempotency.AcquireResult{Existing: cloneEntry(cur)}, nil
	}

	var replaced *idempotency.Entry
	if ok && !cur.Expired(now) && cur.State.Terminal() {
		prev := cloneEntry(cur)
		replaced = &prev
	}

	token := s.newToken()
	s.entries[req.Scope] = idempotency.Entry{
		Scope:       req.Scope,
		State:       idempotency.StateInProgress,
		OwnerToken:  token,
		Fingerprint: req.Fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(req.TTL),
		TTL:         req.TTL,
	}
	s.ring(req.Scope.Tenant).touch(req.Scope.Key, now)

	return idempotency.AcquireResult{Acquired: true, OwnerToken: token, Replaced: replaced}, nil
}

func (s *Store) Get(ctx context.Context, scope idempotency.Scope) (idempotency.Entry, bool, error) {
	_ = ctx
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok || cur.Expired(now) {
		return idempotency.Entry{}, false, nil
	}
	return cloneEntry(cur), true, nil
}

// GetRetained returns the entry until Sweep removes it, expired or not.
func (s *Store) GetRetained(ctx context.Context, scope idempotency.Scope) (idempotency.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok {
		return idempotency.Entry{}, false, nil
	}
	return cloneEntry(cur), true, nil
}

func (s *Store) StoreResult(ctx context.Context, scope idempotency.Scope, ownerToken string, resp idempotency.CachedResponse, ttl time.Duration) error {
	_ = ctx
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok || cur.State != idempotency.StateInProgress || cur.OwnerToken != ownerToken {
		return idempotency.ErrOwnerMismatch
	}
	stored := cloneResponse(resp)
	cur.State = idempotency.StateStored
	cur.Response = &stored
	cur.UpdatedAt = now
	cur.ExpiresAt = now.Add(ttl)
	cur.TTL = ttl
	s.entries[scope] = cur
	s.ring(scope.Tenant).touch(scope.Key, now)
	return nil
}

func (s *Store) Release(ctx context.Context, scope idempotency.Scope, ownerToken string) error {
	_ = ctx
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok || cur.State != idempotency.StateInProgress || cur.OwnerToken != ownerToken {
		return idempotency.ErrOwnerMismatch
	}
	cur.State = idempotency.StateReleased
	cur.Response = nil
	cur.UpdatedAt = now
	s.entries[scope] = cur
	s.ring(scope.Tenant).touch(scope.Key, now)
	return nil
}

func (s *Store) Touch(ctx context.Context, scope idempotency.Scope, ttl time.Duration) (bool, error) {
	_ = ctx
	if ttl <= 0 {
		return false, nil
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok || cur.Expired(now) || cur.State != idempotency.StateStored {
		return false, nil
	}
	cur.UpdatedAt = now
	cur.ExpiresAt = now.Add(ttl)
	cur.TTL = ttl
	s.entries[scope] = cur
	s.ring(scope.Tenant).touch(scope.Key, now)
	return true, nil
}

func (s *Store) RecordReplay(ctx context.Context, scope idempotency.Scope, extendTTL time.Duration) (int64, bool, error) {
	_ = ctx
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[scope]
	if !ok || cur.Expired(now) || cur.State != idempotency.StateStored {
		return 0, false, nil
	}
	cur.ReplayCount++
	cur.UpdatedAt = now
	if extendTTL > 0 {
		cur.ExpiresAt = now.Add(extendTTL)
		cur.TTL = extendTTL
	}
	s.entries[scope] = cur
	s.ring(scope.Tenant).touch(scope.Key, now)
	return cur.ReplayCount, true, nil
}

func (s *Store) Delete(ctx context.Context, scope idempotency.Scope) (idempotency.PurgeResult, error) {
	_ = ctx
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rings[scope.Tenant]; ok {
		r.remove(scope.Key)
	}
	cur, ok := s.entries[scope]
	if !ok {
		return idempotency.PurgeResult{}, nil
	}
	delete(s.entries, scope)
	return idempotency.PurgeResult{
		Removed:   true,
		StuckLock: cur.StuckAt(now),
		Previous:  cloneEntry(cur),
	}, nil
}

func (s *Store) ListRecent(ctx context.Context, tenant domain.TenantID, limit int) ([]idempotency.Activity, error) {
	_ = ctx
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[tenant]
	if !ok {
		return []idempotency.Activity{}, nil
	}
	items := r.newestFirst(limit)
	out := make([]idempotency.Activity, 0, len(items))
	for _, it := range items {
		a := idempotency.Activity{
			Key:         it.key,
			State:       idempotency.StateMissing,
			FirstSeenAt: it.firstSeen,
			LastSeenAt:  it.lastSeen,
		}
		if cur, ok := s.entries[idempotency.Scope{Tenant: tenant, Key: it.key}]; ok {
			a.State = cur.State
			a.ReplayCount = cur.ReplayCount
			a.Expired = cur.Expired(now)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) RecentDepths(ctx context.Context) (map[domain.TenantID]int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.TenantID]int, len(s.rings))
	for t, r := range s.rings {
		out[t] = r.order.Len()
	}
	return out, nil
}

// Sweep drops entries that have been expired for longer than retention.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	_ = ctx
	cutoff := s.clk.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for scope, e := range s.entries {
		if !e.ExpiresAt.After(cutoff) {
			delete(s.entries, scope)
			n++
		}
	}
	return n, nil
}

func (s *Store) ring(tenant domain.TenantID) *recentRing {
	r, ok := s.rings[tenant]
	if !ok {
		r = newRecentRing(s.ringCapacity)
		s.rings[tenant] = r
	}
	return r
}

func cloneEntry(e idempotency.Entry) idempotency.Entry {
	if e.Response != nil {
		resp := cloneResponse(*e.Response)
		e.Response = &resp
	}
	return e
}

func cloneResponse(r idempotency.CachedResponse) idempotency.CachedResponse {
	r.Header = r.Header.Clone()
	r.Body = bytes.Clone(r.Body)
	return r
}
