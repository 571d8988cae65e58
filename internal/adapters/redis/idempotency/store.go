package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	platformclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/clock"
	clockport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/clock"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const (
	DefaultPrefix         = "idem:"
	DefaultRecentCapacity = 100
	// DefaultRetention keeps expired entries physically present for a while so that a
	// stuck lock can still be inspected and purged after its lease ran out.
	DefaultRetention = time.Hour
)

// Store is a Redis implementation of idempotency.EntryStore shared by a fleet of instances.
//
// Acquire is a set-if-absent-or-expired script; store, release and replay are
// compare-and-swap scripts on the owner token. Redis key expiry only reclaims memory:
// logical expiry is decided by the caller's clock so that every backend agrees on it.
type Store struct {
	rdb redis.UniversalClient
	clk clockport.Clock

	prefix       string
	ringCapacity int
	retention    time.Duration
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

// WithPrefix namespaces every key written by the store.
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithRetention sets how long expired entries stay in Redis before key expiry removes them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewStore(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:          rdb,
		clk:          platformclock.NewSystemClock(),
		prefix:       DefaultPrefix,
		ringCapacity: DefaultRecentCapacity,
		retention:    DefaultRetention,
		newToken:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tenantTag(tenant domain.TenantID) string {
	return s.prefix + "{" + url.PathEscape(string(tenant)) + "}"
}

func (s *Store) keys(scope idempotency.Scope) []string {
	tag := s.tenantTag(scope.Tenant)
	return []string{tag + ":e:" + string(scope.Key), tag + ":recent", tag + ":first"}
}

func (s *Store) TryAcquire(ctx context.Context, req idempotency.AcquireRequest) (idempotency.AcquireResult, error) {
	if s.rdb == nil {
		return idempotency.AcquireResult{}, errors.New("nil redis client")
	}
	if req.TTL <= 0 {
		return idempotency.AcquireResult{}, errors.New("ttl must be > 0")
	}
	now := s.clk.Now()
	token := s.newToken()
	overwrite := "0"
	if req.Overwrite {
		overwrite = "1"
	}

	reply, err := acquireScript.Run(ctx, s.rdb, s.keys(req.Scope),
		token,
		string(req.Fingerprint),
		now.UnixMilli(),
		req.TTL.Milliseconds(),
		overwrite,
		s.retention.Milliseconds(),
		s.ringCapacity,
		string(req.Scope.Key),
	).Slice()
	if err != nil {
		return idempotency.AcquireResult{}, idempotency.Unavailable("acquire", err)
	}
	if len(reply) != 2 {
		return idempotency.AcquireResult{}, idempotency.Unavailable("acquire", fmt.Errorf("unexpected reply length %d", len(reply)))
	}
	fields, err := replyFields(reply[1])
	if err != nil {
		return idempotency.AcquireResult{}, idempotency.Unavailable("acquire", err)
	}

	if acquired, _ := reply[0].(int64); acquired != 1 {
		existing, err := decodeEntry(req.Scope, fields)
		if err != nil {
			return idempotency.AcquireResult{}, idempotency.Unavailable("acquire", err)
		}
		return idempotency.AcquireResult{Existing: existing}, nil
	}

	res := idempotency.AcquireResult{Acquired: true, OwnerToken: token}
	if len(fields) > 0 {
		prev, err := decodeEntry(req.Scope, fields)
		if err != nil {
			return idempotency.AcquireResult{}, idempotency.Unavailable("acquire", err)
		}
		res.Replaced = &prev
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, scope idempotency.Scope) (idempotency.Entry, bool, error) {
	e, ok, err := s.GetRetained(ctx, scope)
	if err != nil || !ok || e.Expired(s.clk.Now()) {
		return idempotency.Entry{}, false, err
	}
	return e, true, nil
}

// GetRetained returns the entry for as long as Redis keeps the key, which is the retention
// window past its logical expiry.
func (s *Store) GetRetained(ctx context.Context, scope idempotency.Scope) (idempotency.Entry, bool, error) {
	if s.rdb == nil {
		return idempotency.Entry{}, false, errors.New("nil redis client")
	}
	fields, err := s.rdb.HGetAll(ctx, s.keys(scope)[0]).Result()
	if err != nil {
		return idempotency.Entry{}, false, idempotency.Unavailable("get", err)
	}
	if len(fields) == 0 || fields["state"] == "" {
		return idempotency.Entry{}, false, nil
	}
	e, err := decodeEntry(scope, fields)
	if err != nil {
		return idempotency.Entry{}, false, idempotency.Unavailable("get", err)
	}
	return e, true, nil
}

func (s *Store) StoreResult(ctx context.Context, scope idempotency.Scope, ownerToken string, resp idempotency.CachedResponse, ttl time.Duration) error {
	if s.rdb == nil {
		return errors.New("nil redis client")
	}
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	headers, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	now := s.clk.Now()
	ok, err := storeScript.Run(ctx, s.rdb, s.keys(scope),
		ownerToken,
		now.UnixMilli(),
		ttl.Milliseconds(),
		s.retention.Milliseconds(),
		resp.StatusCode,
		resp.ContentType,
		headers,
		resp.Body,
		s.ringCapacity,
		string(scope.Key),
	).Int64()
	if err != nil {
		return idempotency.Unavailable("store", err)
	}
	if ok != 1 {
		return idempotency.ErrOwnerMismatch
	}
	return nil
}

func (s *Store) Release(ctx context.Context, scope idempotency.Scope, ownerToken string) error {
	if s.rdb == nil {
		return errors.New("nil redis client")
	}
	ok, err := releaseScript.Run(ctx, s.rdb, s.keys(scope),
		ownerToken,
		s.clk.Now().UnixMilli(),
		s.ringCapacity,
		string(scope.Key),
	).Int64()
	if err != nil {
		return idempotency.Unavailable("release", err)
	}
	if ok != 1 {
		return idempotency.ErrOwnerMismatch
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, scope idempotency.Scope, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	n, err := s.bump(ctx, "touch", scope, ttl, false)
	return n >= 0, err
}

func (s *Store) RecordReplay(ctx context.Context, scope idempotency.Scope, extendTTL time.Duration) (int64, bool, error) {
	n, err := s.bump(ctx, "replay", scope, extendTTL, true)
	if err != nil || n < 0 {
		return 0, false, err
	}
	return n, true, nil
}

func (s *Store) bump(ctx context.Context, op string, scope idempotency.Scope, extend time.Duration, increment bool) (int64, error) {
	if s.rdb == nil {
		return -1, errors.New("nil redis client")
	}
	inc := "0"
	if increment {
		inc = "1"
	}
	if extend < 0 {
		extend = 0
	}
	n, err := bumpScript.Run(ctx, s.rdb, s.keys(scope),
		s.clk.Now().UnixMilli(),
		extend.Milliseconds(),
		inc,
		s.retention.Milliseconds(),
		s.ringCapacity,
		string(scope.Key),
	).Int64()
	if err != nil {
		return -1, idempotency.Unavailable(op, err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, scope idempotency.Scope) (idempotency.PurgeResult, error) {
	if s.rdb == nil {
		return idempotency.PurgeResult{}, errors.New("nil redis client")
	}
	reply, err := deleteScript.Run(ctx, s.rdb, s.keys(scope),
		s.clk.Now().UnixMilli(),
		string(scope.Key),
	).Slice()
	if err != nil {
		return idempotency.PurgeResult{}, idempotency.Unavailable("delete", err)
	}
	if len(reply) != 3 {
		return idempotency.PurgeResult{}, idempotency.Unavailable("delete", fmt.Errorf("unexpected reply length %d", len(reply)))
	}
	if removed, _ := reply[0].(int64); removed != 1 {
		return idempotency.PurgeResult{}, nil
	}
	fields, err := replyFields(reply[2])
	if err != nil {
		return idempotency.PurgeResult{}, idempotency.Unavailable("delete", err)
	}
	prev, err := decodeEntry(scope, fields)
	if err != nil {
		return idempotency.PurgeResult{}, idempotency.Unavailable("delete", err)
	}
	stuck, _ := reply[1].(int64)
	return idempotency.PurgeResult{Removed: true, StuckLock: stuck == 1, Previous: prev}, nil
}

func (s *Store) ListRecent(ctx context.Context, tenant domain.TenantID, limit int) ([]idempotency.Activity, error) {
	if s.rdb == nil {
		return nil, errors.New("nil redis client")
	}
	tag := s.tenantTag(tenant)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.rdb.ZRevRangeWithScores(ctx, tag+":recent", 0, stop).Result()
	if err != nil {
		return nil, idempotency.Unavailable("list_recent", err)
	}
	out := make([]idempotency.Activity, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}

	firstCmd := s.rdb.HMGet(ctx, tag+":first", memberNames(members)...)
	entryCmds := make([]*redis.SliceCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			key := idempotency.Key(fmt.Sprint(m.Member))
			entryCmds[i] = pipe.HMGet(ctx, s.keys(idempotency.Scope{Tenant: tenant, Key: key})[0], "state", "exp", "replays")
		}
		return nil
	})
	if err != nil {
		return nil, idempotency.Unavailable("list_recent", err)
	}
	firsts, err := firstCmd.Result()
	if err != nil {
		return nil, idempotency.Unavailable("list_recent", err)
	}

	nowMs := s.clk.Now().UnixMilli()
	for i, m := range members {
		last := time.UnixMilli(int64(m.Score)).UTC()
		a := idempotency.Activity{
			Key:         idempotency.Key(fmt.Sprint(m.Member)),
			State:       idempotency.StateMissing,
			FirstSeenAt: last,
			LastSeenAt:  last,
		}
		if i < len(firsts) {
			if ms, ok := parseMillis(firsts[i]); ok {
				a.FirstSeenAt = time.UnixMilli(ms).UTC()
			}
		}
		vals, err := entryCmds[i].Result()
		if err == nil && len(vals) == 3 {
			exp, _ := parseMillis(vals[1])
			if state, ok := vals[0].(string); ok && state != "" {
				a.State = idempotency.State(state)
				a.Expired = exp <= nowMs
				if n, ok := parseMillis(vals[2]); ok {
					a.ReplayCount = n
				}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// RecentDepths scans for every tenant's ring and reads its cardinality.
func (s *Store) RecentDepths(ctx context.Context) (map[domain.TenantID]int, error) {
	if s.rdb == nil {
		return nil, errors.New("nil redis client")
	}
	const suffix = "}:recent"
	var rings []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+"{*"+suffix, 100).Iterator()
	for iter.Next(ctx) {
		rings = append(rings, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, idempotency.Unavailable("recent_depths", err)
	}

	out := make(map[domain.TenantID]int, len(rings))
	if len(rings) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(rings))
	if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range rings {
			cmds[i] = pipe.ZCard(ctx, k)
		}
		return nil
	}); err != nil {
		return nil, idempotency.Unavailable("recent_depths", err)
	}
	for i, k := range rings {
		raw := strings.TrimSuffix(strings.TrimPrefix(k, s.prefix+"{"), suffix)
		tenant, err := url.PathUnescape(raw)
		if err != nil {
			continue
		}
		if n := cmds[i].Val(); n > 0 {
			out[domain.TenantID(tenant)] = int(n)
		}
	}
	return out, nil
}

func memberNames(zs []redis.Z) []string {
	out := make([]string, 0, len(zs))
	for _, z := range zs {
		out = append(out, fmt.Sprint(z.Member))
	}
	return out
}

// replyFields converts a flat HGETALL reply returned from a script into a map.
func replyFields(v any) (map[string]string, error) {
	arr, ok := v.([]any)
	if !ok {
		if v == nil {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("unexpected reply type %T", v)
	}
	if len(arr)%2 != 0 {
		return nil, fmt.Errorf("odd field reply length %d", len(arr))
	}
	out := make(map[string]string, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		out[fmt.Sprint(arr[i])] = fmt.Sprint(arr[i+1])
	}
	return out, nil
}

func decodeEntry(scope idempotency.Scope, f map[string]string) (idempotency.Entry, error) {
	if len(f) == 0 || f["state"] == "" {
		return idempotency.Entry{Scope: scope, State: idempotency.StateMissing}, nil
	}
	e := idempotency.Entry{
		Scope:       scope,
		State:       idempotency.State(f["state"]),
		OwnerToken:  f["owner"],
		Fingerprint: idempotency.Fingerprint(f["fp"]),
	}
	var err error
	if e.CreatedAt, err = millisField(f, "created"); err != nil {
		return idempotency.Entry{}, err
	}
	if e.UpdatedAt, err = millisField(f, "updated"); err != nil {
		return idempotency.Entry{}, err
	}
	if e.ExpiresAt, err = millisField(f, "exp"); err != nil {
		return idempotency.Entry{}, err
	}
	if v := f["ttl"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return idempotency.Entry{}, fmt.Errorf("parse ttl: %w", err)
		}
		e.TTL = time.Duration(ms) * time.Millisecond
	}
	if v := f["replays"]; v != "" {
		if e.ReplayCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return idempotency.Entry{}, fmt.Errorf("parse replays: %w", err)
		}
	}
	if e.State == idempotency.StateStored {
		status, err := strconv.Atoi(f["status"])
		if err != nil {
			return idempotency.Entry{}, fmt.Errorf("parse status: %w", err)
		}
		resp := idempotency.CachedResponse{
			StatusCode:  status,
			ContentType: f["ctype"],
			Body:        []byte(f["body"]),
		}
		if h := f["headers"]; h != "" && h != "null" {
			var hdr http.Header
			if err := json.Unmarshal([]byte(h), &hdr); err != nil {
				return idempotency.Entry{}, fmt.Errorf("decode headers: %w", err)
			}
			resp.Header = hdr
		}
		e.Response = &resp
	}
	return e, nil
}

func millisField(f map[string]string, name string) (time.Time, error) {
	v := f[name]
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case int64:
		return t, true
	default:
		return 0, false
	}
}
