package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500

	fingerprintPrefixLen = 12
)

// Snapshot is the non-sensitive view of an entry. It never carries the cached body.
type Snapshot struct {
	Tenant            domain.TenantID
	Key               idempotencyport.Key
	State             idempotencyport.State
	OwnerToken        string
	FingerprintPrefix string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
	TTL               time.Duration
	ReplayCount       int64
	// Expired marks an entry past its expiry that the store still retains.
	Expired bool
	// StuckLock marks an expired in-progress entry: its leader never finished.
	StuckLock bool

	// Set only for stored entries.
	ResponseStatus      *int
	ResponseContentType *string
	ResponseSize        *int
}

// Admin backs the introspection and purge endpoints.
type Admin struct {
	store   idempotencyport.EntryStore
	metrics Metrics
	log     zerolog.Logger
}

func NewAdmin(store idempotencyport.EntryStore, metrics Metrics, log zerolog.Logger) *Admin {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Admin{store: store, metrics: metrics, log: log}
}

// ListRecent returns the tenant's most recently active keys, newest first.
// A limit <= 0 uses DefaultRecentLimit; larger values are capped at MaxRecentLimit.
func (a *Admin) ListRecent(ctx context.Context, tenant domain.TenantID, limit int) ([]idempotencyport.Activity, error) {
	if err := requireTenant(tenant); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	return a.store.ListRecent(ctx, tenant, limit)
}

func (a *Admin) Inspect(ctx context.Context, tenant domain.TenantID, key string) (Snapshot, error) {
	scope, err := adminScope(tenant, key)
	if err != nil {
		return Snapshot{}, err
	}
	e, ok, err := a.store.Get(ctx, scope)
	if err != nil {
		return Snapshot{}, err
	}
	if ok {
		return snapshotFromEntry(e, false), nil
	}

	// Not live. A store that retains expired entries can still show a stuck lock.
	rg, retains := a.store.(idempotencyport.RetainedGetter)
	if !retains {
		return Snapshot{}, notFound("idempotency key not found")
	}
	e, ok, err = rg.GetRetained(ctx, scope)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, notFound("idempotency key not found")
	}
	return snapshotFromEntry(e, true), nil
}

// Purge removes the entry in any state. Removing an in-progress entry whose lease already
// expired is recorded as a stuck-lock recovery.
func (a *Admin) Purge(ctx context.Context, tenant domain.TenantID, key string) (idempotencyport.PurgeResult, error) {
	scope, err := adminScope(tenant, key)
	if err != nil {
		return idempotencyport.PurgeResult{}, err
	}
	res, err := a.store.Delete(ctx, scope)
	if err != nil {
		return idempotencyport.PurgeResult{}, err
	}
	if !res.Removed {
		return res, nil
	}

	a.metrics.Purge(tenant)
	if res.Previous.ReplayCount > 0 {
		a.metrics.ObserveReplayCount(tenant, res.Previous.ReplayCount)
	}
	level := zerolog.InfoLevel
	if res.StuckLock {
		a.metrics.StuckLockRecovered(tenant)
		level = zerolog.WarnLevel
	}
	a.log.WithLevel(level).
		Bool("stuck_lock", res.StuckLock).
		Str("tenant", string(tenant)).
		Str("idempotency_key", string(scope.Key)).
		Str("state", string(res.Previous.State)).
		Time("expires_at", res.Previous.ExpiresAt).
		Msg("idempotency entry purged")
	return res, nil
}

func requireTenant(tenant domain.TenantID) error {
	if strings.TrimSpace(string(tenant)) == "" {
		return validationError("tenant is required", nil)
	}
	return nil
}

func adminScope(tenant domain.TenantID, key string) (idempotencyport.Scope, error) {
	if err := requireTenant(tenant); err != nil {
		return idempotencyport.Scope{}, err
	}
	k := idempotencyport.Key(key)
	if !k.Valid() {
		return idempotencyport.Scope{}, validationError("invalid idempotency key", map[string]any{
			"key":       key,
			"maxLength": idempotencyport.MaxKeyLength,
			"charset":   "[A-Za-z0-9_-]",
		})
	}
	return idempotencyport.Scope{Tenant: tenant, Key: k}, nil
}

func snapshotFromEntry(e idempotencyport.Entry, expired bool) Snapshot {
	s := Snapshot{
		Tenant:            e.Scope.Tenant,
		Key:               e.Scope.Key,
		State:             e.State,
		OwnerToken:        e.OwnerToken,
		FingerprintPrefix: e.Fingerprint.Prefix(fingerprintPrefixLen),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		ExpiresAt:         e.ExpiresAt,
		TTL:               e.TTL,
		ReplayCount:       e.ReplayCount,
		Expired:           expired,
		StuckLock:         expired && e.State == idempotencyport.StateInProgress,
	}
	if e.Response != nil {
		status := e.Response.StatusCode
		ct := e.Response.ContentType
		size := e.Response.Size()
		s.ResponseStatus = &status
		s.ResponseContentType = &ct
		s.ResponseSize = &size
	}
	return s
}
