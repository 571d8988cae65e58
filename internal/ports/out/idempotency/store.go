package idempotency

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
)

// Key is the caller-provided idempotency key (Idempotency-Key header).
// Keys are opaque: they are only compared and hashed, never interpreted.
type Key string

// MaxKeyLength bounds the accepted length of an idempotency key.
const MaxKeyLength = 200

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Valid reports whether k is 1-200 characters drawn from [A-Za-z0-9_-].
func (k Key) Valid() bool {
	if len(k) == 0 || len(k) > MaxKeyLength {
		return false
	}
	return keyPattern.MatchString(string(k))
}

// Fingerprint is the hex digest of the logically significant parts of a request.
// Two requests with the same key but different fingerprints are a conflict, not a replay.
type Fingerprint string

// Prefix returns at most n leading characters of the digest for display.
func (f Fingerprint) Prefix(n int) string {
	if n <= 0 || len(f) <= n {
		return string(f)
	}
	return string(f[:n])
}

// Scope identifies an entry. Stores always key on the full tuple, never on the bare key.
type Scope struct {
	Tenant domain.TenantID
	Key    Key
}

// State is the coordination state of an entry.
type State string

const (
	StateMissing    State = "missing"
	StateInProgress State = "in_progress"
	StateStored     State = "stored"
	StateReleased   State = "released"
)

// Terminal reports whether the state ends a generation (stored or released).
func (s State) Terminal() bool {
	return s == StateStored || s == StateReleased
}

// CachedResponse is the leader's captured response, replayed verbatim to followers.
type CachedResponse struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
}

// Size is the body length in bytes.
func (r CachedResponse) Size() int { return len(r.Body) }

// Entry is a point-in-time snapshot of the coordination unit for one Scope.
type Entry struct {
	Scope       Scope
	State       State
	OwnerToken  string
	Fingerprint Fingerprint
	// Response is non-nil only when State is StateStored.
	Response *CachedResponse

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
	TTL       time.Duration

	ReplayCount int64
}

// Expired reports whether the entry's lease or cache window has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// StuckAt reports whether the entry is an in-progress lease that outlived its TTL.
func (e Entry) StuckAt(now time.Time) bool {
	return e.State == StateInProgress && e.Expired(now)
}

// AcquireRequest asks the store to start a new generation for Scope.
type AcquireRequest struct {
	Scope       Scope
	Fingerprint Fingerprint
	TTL         time.Duration
	// Overwrite additionally allows taking over a live stored entry whose fingerprint
	// differs from Fingerprint (a conflicting payload under a reused key).
	Overwrite bool
}

// CanReplace reports whether a new generation for the request may replace cur at now:
// cur expired, cur released (nothing to replay), or an Overwrite of a stored entry whose
// fingerprint differs.
func (r AcquireRequest) CanReplace(cur Entry, now time.Time) bool {
	switch {
	case cur.Expired(now):
		return true
	case cur.State == StateReleased:
		return true
	case r.Overwrite && cur.State == StateStored && cur.Fingerprint != r.Fingerprint:
		return true
	default:
		return false
	}
}

// AcquireResult reports the outcome of TryAcquire.
//
// When Acquired is false the slot is leased (AlreadyLeased) and Existing holds the
// snapshot the caller uses to decide whether to follow or treat the request as a conflict.
// Existing.State may be StateMissing when the blocking entry vanished between the
// acquire attempt and the snapshot read; callers simply retry.
type AcquireResult struct {
	Acquired   bool
	OwnerToken string
	Existing   Entry
	// Replaced is the terminal entry that this acquire took over, if any.
	Replaced *Entry
}

// PurgeResult reports the outcome of Delete.
type PurgeResult struct {
	Removed bool
	// StuckLock is true when the removed entry was in progress with an expiry in the past.
	StuckLock bool
	Previous  Entry
}

// Activity is one row of the per-tenant recent activity ring.
//
// State is StateMissing once the entry is gone. An entry that expired but is still retained
// keeps its last State and sets Expired, so a stuck lock lists as in_progress + expired.
type Activity struct {
	Key         Key
	State       State
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	ReplayCount int64
	Expired     bool
}

// EntryStore is the shared backing store for single-flight coordination.
//
// Every mutation of an existing lease is guarded by the owner token handed out by
// TryAcquire, so a leader whose lease expired and was reclaimed cannot clobber the
// new generation when it finishes late.
type EntryStore interface {
	TryAcquire(ctx context.Context, req AcquireRequest) (AcquireResult, error)
	Get(ctx context.Context, scope Scope) (Entry, bool, error)

	StoreResult(ctx context.Context, scope Scope, ownerToken string, resp CachedResponse, ttl time.Duration) error
	Release(ctx context.Context, scope Scope, ownerToken string) error

	// Touch refreshes the expiry of a live stored entry. It reports whether an entry was touched.
	Touch(ctx context.Context, scope Scope, ttl time.Duration) (bool, error)
	// RecordReplay increments the replay counter of a live stored entry and, when extendTTL > 0,
	// refreshes its expiry. It returns the new count.
	RecordReplay(ctx context.Context, scope Scope, extendTTL time.Duration) (int64, bool, error)

	// Delete removes the entry in any state. It never fails because the entry is absent.
	Delete(ctx context.Context, scope Scope) (PurgeResult, error)

	// ListRecent returns up to limit activity rows for tenant, most recent first.
	// A limit <= 0 returns the whole ring.
	ListRecent(ctx context.Context, tenant domain.TenantID, limit int) ([]Activity, error)
}

// RetainedGetter is implemented by stores that keep expired entries around for a retention
// window. GetRetained ignores expiry, so admin reads can still see a stuck lock.
type RetainedGetter interface {
	GetRetained(ctx context.Context, scope Scope) (Entry, bool, error)
}

// RecentDepther reports how many keys each tenant's recent activity ring holds.
type RecentDepther interface {
	RecentDepths(ctx context.Context) (map[domain.TenantID]int, error)
}

// Sweeper is implemented by stores that need periodic removal of long-expired entries.
// Entries are removed only once they have been expired for longer than retention.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (int, error)
}
