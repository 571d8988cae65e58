package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	platformclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/clock"
	clockport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/clock"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const DefaultRecentCapacity = 100

// Store is a Postgres implementation of idempotency.EntryStore.
//
// Acquire takes a row lock on the entry and decides in the same transaction, so two
// instances racing on a fresh key are serialized by the primary key. Times come from the
// injected clock rather than now() so that all backends share one notion of expiry.
type Store struct {
	pool *pgxpool.Pool
	clk  clockport.Clock

	ringCapacity int
	newToken     func() string
}

type Option func(*Store)

func WithClock(c clockport.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clk = c
		}
	}
}

func WithRecentCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ringCapacity = n
		}
	}
}

func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:         pool,
		clk:          platformclock.NewSystemClock(),
		ringCapacity: DefaultRecentCapacity,
		newToken:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const entryColumns = `
	state, owner_token, fingerprint, status_code, headers, content_type, body,
	created_at, updated_at, expires_at, ttl_ms, replay_count`

func (s *Store) TryAcquire(ctx context.Context, req idempotency.AcquireRequest) (idempotency.AcquireResult, error) {
	if s.pool == nil {
		return idempotency.AcquireResult{}, errors.New("nil postgres pool")
	}
	if req.TTL <= 0 {
		return idempotency.AcquireResult{}, errors.New("ttl must be > 0")
	}
	now := s.clk.Now().UTC()
	token := s.newToken()

	var res idempotency.AcquireResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Two passes: if a concurrent insert wins the race for a fresh key, the second pass
		// sees its committed row and evaluates it like any other existing entry.
		for attempt := 0; attempt < 2; attempt++ {
			cur, found, err := selectEntry(ctx, tx, req.Scope, true)
			if err != nil {
				return err
			}
			if found && !req.CanReplace(cur, now) {
				res = idempotency.AcquireResult{Existing: cur}
				return nil
			}

			if found {
				if !cur.Expired(now) && cur.State.Terminal() {
					prev := cur
					res.Replaced = &prev
				}
				if _, err := tx.Exec(ctx, `
					UPDATE idempotency_entries SET
						state = 'in_progress',
						owner_token = $3,
						fingerprint = $4,
						status_code = NULL,
						headers = NULL,
						content_type = NULL,
						body = NULL,
						created_at = $5,
						updated_at = $5,
						expires_at = $6,
						ttl_ms = $7,
						replay_count = 0
					WHERE tenant_id = $1 AND idem_key = $2
				`,
					string(req.Scope.Tenant),
					string(req.Scope.Key),
					token,
					string(req.Fingerprint),
					now,
					now.Add(req.TTL),
					req.TTL.Milliseconds(),
				); err != nil {
					return err
				}
			} else {
				tag, err := tx.Exec(ctx, `
					INSERT INTO idempotency_entries (
						tenant_id, idem_key, state, owner_token, fingerprint,
						created_at, updated_at, expires_at, ttl_ms, replay_count
					) VALUES ($1, $2, 'in_progress', $3, $4, $5, $5, $6, $7, 0)
					ON CONFLICT (tenant_id, idem_key) DO NOTHING
				`,
					string(req.Scope.Tenant),
					string(req.Scope.Key),
					token,
					string(req.Fingerprint),
					now,
					now.Add(req.TTL),
					req.TTL.Milliseconds(),
				)
				if err != nil {
					return err
				}
				if tag.RowsAffected() == 0 {
					continue
				}
			}

			res.Acquired = true
			res.OwnerToken = token
			return touchRecent(ctx, tx, req.Scope, now, s.ringCapacity)
		}
		// Lost the insert race twice in a row; report the slot as leased by the winner.
		res = idempotency.AcquireResult{Existing: idempotency.Entry{Scope: req.Scope, State: idempotency.StateMissing}}
		return nil
	})
	if err != nil {
		return idempotency.AcquireResult{}, idempotency.Unavailable("acquire", err)
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, scope idempotency.Scope) (idempotency.Entry, bool, error) {
	if s.pool == nil {
		return idempotency.Entry{}, false, errors.New("nil postgres pool")
	}
	e, found, err := selectEntry(ctx, s.pool, scope, false)
	if err != nil {
		return idempotency.Entry{}, false, idempotency.Unavailable("get", err)
	}
	if !found || e.Expired(s.clk.Now()) {
		return idempotency.Entry{}, false, nil
	}
	return e, true, nil
}

// GetRetained returns the row until Sweep deletes it, expired or not.
func (s *Store) GetRetained(ctx context.Context, scope idempotency.Scope) (idempotency.Entry, bool, error) {
	if s.pool == nil {
		return idempotency.Entry{}, false, errors.New("nil postgres pool")
	}
	e, found, err := selectEntry(ctx, s.pool, scope, false)
	if err != nil {
		return idempotency.Entry{}, false, idempotency.Unavailable("get", err)
	}
	return e, found, nil
}

func (s *Store) StoreResult(ctx context.Context, scope idempotency.Scope, ownerToken string, resp idempotency.CachedResponse, ttl time.Duration) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	headers, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	now := s.clk.Now().UTC()

	return s.ownerGuarded(ctx, "store", scope, now, `
		UPDATE idempotency_entries SET
			state = 'stored',
			status_code = $4,
			headers = $5,
			content_type = $6,
			body = $7,
			updated_at = $8,
			expires_at = $9,
			ttl_ms = $10
		WHERE tenant_id = $1 AND idem_key = $2 AND state = 'in_progress' AND owner_token = $3
	`,
		string(scope.Tenant),
		string(scope.Key),
		ownerToken,
		resp.StatusCode,
		headers,
		resp.ContentType,
		body,
		now,
		now.Add(ttl),
		ttl.Milliseconds(),
	)
}

func (s *Store) Release(ctx context.Context, scope idempotency.Scope, ownerToken string) error {
	if s.pool == nil {
		return errors.New("nil postgres pool")
	}
	now := s.clk.Now().UTC()
	return s.ownerGuarded(ctx, "release", scope, now, `
		UPDATE idempotency_entries SET
			state = 'released',
			status_code = NULL,
			headers = NULL,
			content_type = NULL,
			body = NULL,
			updated_at = $4
		WHERE tenant_id = $1 AND idem_key = $2 AND state = 'in_progress' AND owner_token = $3
	`,
		string(scope.Tenant),
		string(scope.Key),
		ownerToken,
		now,
	)
}

// ownerGuarded runs a compare-and-swap update and touches the recent ring when it applied.
func (s *Store) ownerGuarded(ctx context.Context, op string, scope idempotency.Scope, now time.Time, sql string, args ...any) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return idempotency.Unavailable(op, err)
		}
		if tag.RowsAffected() == 0 {
			return idempotency.ErrOwnerMismatch
		}
		if err := touchRecent(ctx, tx, scope, now, s.ringCapacity); err != nil {
			return idempotency.Unavailable(op, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, idempotency.ErrOwnerMismatch) && !errors.Is(err, idempotency.ErrBackendUnavailable) {
		return idempotency.Unavailable(op, err)
	}
	return err
}

func (s *Store) Touch(ctx context.Context, scope idempotency.Scope, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	_, ok, err := s.bump(ctx, "touch", scope, ttl, false)
	return ok, err
}

func (s *Store) RecordReplay(ctx context.Context, scope idempotency.Scope, extendTTL time.Duration) (int64, bool, error) {
	return s.bump(ctx, "replay", scope, extendTTL, true)
}

func (s *Store) bump(ctx context.Context, op string, scope idempotency.Scope, extend time.Duration, increment bool) (int64, bool, error) {
	if s.pool == nil {
		return 0, false, errors.New("nil postgres pool")
	}
	if extend < 0 {
		extend = 0
	}
	now := s.clk.Now().UTC()
	inc := 0
	if increment {
		inc = 1
	}

	var (
		count int64
		found bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE idempotency_entries SET
				replay_count = replay_count + $4,
				updated_at = $3,
				expires_at = CASE WHEN $5::bigint > 0 THEN $3 + $5::bigint * interval '1 millisecond' ELSE expires_at END,
				ttl_ms = CASE WHEN $5::bigint > 0 THEN $5::bigint ELSE ttl_ms END
			WHERE tenant_id = $1 AND idem_key = $2 AND state = 'stored' AND expires_at > $3
			RETURNING replay_count
		`,
			string(scope.Tenant),
			string(scope.Key),
			now,
			inc,
			extend.Milliseconds(),
		).Scan(&count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		found = true
		return touchRecent(ctx, tx, scope, now, s.ringCapacity)
	})
	if err != nil {
		return 0, false, idempotency.Unavailable(op, err)
	}
	return count, found, nil
}

func (s *Store) Delete(ctx context.Context, scope idempotency.Scope) (idempotency.PurgeResult, error) {
	if s.pool == nil {
		return idempotency.PurgeResult{}, errors.New("nil postgres pool")
	}
	now := s.clk.Now()

	var res idempotency.PurgeResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM idempotency_recent WHERE tenant_id = $1 AND idem_key = $2
		`, string(scope.Tenant), string(scope.Key)); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			DELETE FROM idempotency_entries
			WHERE tenant_id = $1 AND idem_key = $2
			RETURNING`+entryColumns,
			string(scope.Tenant),
			string(scope.Key),
		)
		prev, err := scanEntry(row, scope)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		res = idempotency.PurgeResult{Removed: true, StuckLock: prev.StuckAt(now), Previous: prev}
		return nil
	})
	if err != nil {
		return idempotency.PurgeResult{}, idempotency.Unavailable("delete", err)
	}
	return res, nil
}

func (s *Store) ListRecent(ctx context.Context, tenant domain.TenantID, limit int) ([]idempotency.Activity, error) {
	if s.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.idem_key, r.first_seen_at, r.last_seen_at, e.state, e.expires_at, e.replay_count
		FROM idempotency_recent r
		LEFT JOIN idempotency_entries e
		  ON e.tenant_id = r.tenant_id AND e.idem_key = r.idem_key
		WHERE r.tenant_id = $1
		ORDER BY r.last_seen_at DESC, r.idem_key
		LIMIT $2
	`, string(tenant), lim)
	if err != nil {
		return nil, idempotency.Unavailable("list_recent", err)
	}
	defer rows.Close()

	now := s.clk.Now()
	out := make([]idempotency.Activity, 0)
	for rows.Next() {
		var (
			key       string
			first     time.Time
			last      time.Time
			state     *string
			expiresAt *time.Time
			replays   *int64
		)
		if err := rows.Scan(&key, &first, &last, &state, &expiresAt, &replays); err != nil {
			return nil, idempotency.Unavailable("list_recent", err)
		}
		a := idempotency.Activity{
			Key:         idempotency.Key(key),
			State:       idempotency.StateMissing,
			FirstSeenAt: first.UTC(),
			LastSeenAt:  last.UTC(),
		}
		if state != nil {
			a.State = idempotency.State(*state)
			a.Expired = expiresAt == nil || !expiresAt.After(now)
			if replays != nil {
				a.ReplayCount = *replays
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, idempotency.Unavailable("list_recent", err)
	}
	return out, nil
}

func (s *Store) RecentDepths(ctx context.Context) (map[domain.TenantID]int, error) {
	if s.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, count(*) FROM idempotency_recent GROUP BY tenant_id
	`)
	if err != nil {
		return nil, idempotency.Unavailable("recent_depths", err)
	}
	defer rows.Close()

	out := make(map[domain.TenantID]int)
	for rows.Next() {
		var (
			tenant string
			n      int64
		)
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, idempotency.Unavailable("recent_depths", err)
		}
		out[domain.TenantID(tenant)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, idempotency.Unavailable("recent_depths", err)
	}
	return out, nil
}

// Sweep deletes entries that have been expired for longer than retention.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if s.pool == nil {
		return 0, errors.New("nil postgres pool")
	}
	cutoff := s.clk.Now().Add(-retention).UTC()
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_entries WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, idempotency.Unavailable("sweep", err)
	}
	return int(tag.RowsAffected()), nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func selectEntry(ctx context.Context, q querier, scope idempotency.Scope, forUpdate bool) (idempotency.Entry, bool, error) {
	sql := `SELECT` + entryColumns + `
		FROM idempotency_entries
		WHERE tenant_id = $1 AND idem_key = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	e, err := scanEntry(q.QueryRow(ctx, sql, string(scope.Tenant), string(scope.Key)), scope)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Entry{}, false, nil
		}
		return idempotency.Entry{}, false, err
	}
	return e, true, nil
}

func scanEntry(row pgx.Row, scope idempotency.Scope) (idempotency.Entry, error) {
	var (
		e           idempotency.Entry
		state       string
		owner       string
		fingerprint string
		statusCode  *int32
		headers     []byte
		contentType *string
		body        []byte
		ttlMs       int64
	)
	if err := row.Scan(
		&state,
		&owner,
		&fingerprint,
		&statusCode,
		&headers,
		&contentType,
		&body,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ExpiresAt,
		&ttlMs,
		&e.ReplayCount,
	); err != nil {
		return idempotency.Entry{}, err
	}
	e.Scope = scope
	e.State = idempotency.State(state)
	e.OwnerToken = owner
	e.Fingerprint = idempotency.Fingerprint(fingerprint)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	e.TTL = time.Duration(ttlMs) * time.Millisecond

	if e.State == idempotency.StateStored && statusCode != nil {
		resp := idempotency.CachedResponse{StatusCode: int(*statusCode), Body: body}
		if contentType != nil {
			resp.ContentType = *contentType
		}
		if len(headers) > 0 {
			var h http.Header
			if err := json.Unmarshal(headers, &h); err != nil {
				return idempotency.Entry{}, fmt.Errorf("decode headers: %w", err)
			}
			resp.Header = h
		}
		e.Response = &resp
	}
	return e, nil
}

// touchRecent upserts the activity row for scope and trims the tenant's ring to capacity.
func touchRecent(ctx context.Context, tx pgx.Tx, scope idempotency.Scope, now time.Time, capacity int) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO idempotency_recent (tenant_id, idem_key, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (tenant_id, idem_key) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, string(scope.Tenant), string(scope.Key), now); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM idempotency_recent
		WHERE tenant_id = $1 AND idem_key IN (
			SELECT idem_key FROM idempotency_recent
			WHERE tenant_id = $1
			ORDER BY last_seen_at DESC, idem_key
			OFFSET $2
		)
	`, string(scope.Tenant), capacity)
	return err
}
