package idempotency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// maxAcquireAttempts bounds the acquire/wait loop of one request. Every pass either waits on a
// generation or resolves a conflict, so hitting the bound means the key is being hammered.
const maxAcquireAttempts = 8

// Coordinator runs the single-flight protocol inline on the request goroutine.
type Coordinator struct {
	store   idempotencyport.EntryStore
	fp      *Fingerprinter
	waiter  *Waiter
	cfg     Config
	policy  atomic.Pointer[Policy]
	metrics Metrics
	log     zerolog.Logger
}

type Option func(*Coordinator)

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithFingerprinter(f *Fingerprinter) Option {
	return func(c *Coordinator) {
		if f != nil {
			c.fp = f
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		p = p.Normalize()
		c.policy.Store(&p)
	}
}

func NewCoordinator(store idempotencyport.EntryStore, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		fp:      NewFingerprinter(nil),
		cfg:     cfg.withDefaults(),
		metrics: NopMetrics{},
		log:     zerolog.Nop(),
	}
	def := DefaultPolicy()
	c.policy.Store(&def)
	for _, opt := range opts {
		opt(c)
	}
	c.waiter = NewWaiter(store, c.cfg.Jitter)
	return c
}

// SetPolicy swaps the mode, enforced methods and excluded paths for subsequent requests.
// In-flight requests finish under the policy they started with.
func (c *Coordinator) SetPolicy(p Policy) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	c.policy.Store(&p)
	c.log.Info().
		Str("mode", string(p.Mode)).
		Strs("enforce_methods", p.EnforceMethods).
		Strs("exclude_paths", p.ExcludePaths).
		Msg("idempotency policy updated")
	return nil
}

func (c *Coordinator) Policy() Policy { return *c.policy.Load() }

func (c *Coordinator) Config() Config { return c.cfg }

// Execute decides whether req runs exec, waits for another leader, or is served a replay.
// exec is called at most once. The only errors returned are exec's own error,
// ErrInvalidKey, ErrFollowerWaitExhausted and ErrBackendUnavailable, the latter three only
// when the configuration asks for them to be surfaced.
func (c *Coordinator) Execute(ctx context.Context, req Request, exec Executor) (Result, error) {
	pol := c.Policy()
	if req.Policy != nil {
		pol = *req.Policy
	}
	tenant := req.Tenant

	if pol.Mode == ModeOff {
		c.metrics.Decision(tenant, DecisionOff)
		return passThrough(ctx, DecisionOff, exec)
	}
	if req.Key == "" || !pol.Applies(req.Method, req.Path) {
		c.metrics.Decision(tenant, DecisionNotApplicable)
		return passThrough(ctx, DecisionNotApplicable, exec)
	}

	key := idempotencyport.Key(req.Key)
	if !key.Valid() {
		c.metrics.Decision(tenant, DecisionInvalidKey)
		if c.cfg.RejectInvalidKeys {
			return Result{Decision: DecisionInvalidKey}, ErrInvalidKey
		}
		return passThrough(ctx, DecisionInvalidKey, exec)
	}

	scope := idempotencyport.Scope{Tenant: tenant, Key: key}
	fp := c.fp.Fingerprint(req)
	if pol.Mode == ModeObserve {
		return c.observe(ctx, scope, fp, exec)
	}
	return c.enforce(ctx, scope, fp, exec)
}

// Bypass runs exec uncoordinated for a request the caller could not fingerprint, counting d
// as its decision.
func (c *Coordinator) Bypass(ctx context.Context, tenant domain.TenantID, d Decision, exec Executor) (Result, error) {
	c.metrics.Decision(tenant, d)
	return passThrough(ctx, d, exec)
}

func passThrough(ctx context.Context, d Decision, exec Executor) (Result, error) {
	out, err := exec(ctx)
	return Result{Decision: d, Executed: true, Outcome: out}, err
}

func (c *Coordinator) enforce(ctx context.Context, scope idempotencyport.Scope, fp idempotencyport.Fingerprint, exec Executor) (Result, error) {
	var (
		overwrite  bool
		conflicted bool
		waitCtx    context.Context
		cancel     context.CancelFunc
		waitStart  time.Time
	)
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()
	observeWait := func() {
		if !waitStart.IsZero() {
			c.metrics.ObserveLockWait(scope.Tenant, time.Since(waitStart))
			waitStart = time.Time{}
		}
	}
	conflict := func(role Role) {
		if !conflicted {
			conflicted = true
			c.metrics.Conflict(scope.Tenant, role)
		}
	}

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		acq, err := c.store.TryAcquire(ctx, idempotencyport.AcquireRequest{
			Scope:       scope,
			Fingerprint: fp,
			TTL:         c.cfg.LockTTL,
			Overwrite:   overwrite,
		})
		if err != nil {
			observeWait()
			return c.backendFailure(ctx, scope, "acquire", err, exec)
		}
		if acq.Acquired {
			observeWait()
			c.observeReplaced(scope, acq.Replaced)
			return c.lead(ctx, scope, acq.OwnerToken, DecisionLeader, exec)
		}

		cur := acq.Existing
		switch {
		case cur.State == idempotencyport.StateStored && cur.Fingerprint == fp && cur.Response != nil:
			observeWait()
			return c.replay(ctx, scope, cur), nil

		case cur.State == idempotencyport.StateStored:
			// Same key, different payload: a new logical operation that overwrites on completion.
			conflict(RoleLeader)
			overwrite = true

		case cur.State == idempotencyport.StateInProgress:
			if cur.Fingerprint != fp {
				// Never merge with a run for a different payload; wait it out, then re-evaluate.
				conflict(RoleFollower)
				overwrite = true
			}
			if waitCtx == nil {
				waitCtx, cancel = context.WithTimeout(ctx, c.cfg.WaitBudget)
				waitStart = time.Now()
			}
			next, found, err := c.waiter.Wait(waitCtx, scope, cur.OwnerToken)
			switch {
			case errors.Is(err, ErrFollowerWaitExhausted):
				observeWait()
				return c.waitExhausted(ctx, scope, fp, overwrite, exec)
			case err != nil:
				observeWait()
				return c.backendFailure(ctx, scope, "get", err, exec)
			case found && next.State == idempotencyport.StateStored && next.Fingerprint == fp && next.Response != nil:
				observeWait()
				return c.replay(ctx, scope, next), nil
			}
			// Released, expired, purged or taken over by a new generation: try to lead.
		}
	}
	observeWait()
	return c.waitExhausted(ctx, scope, fp, overwrite, exec)
}

// observe runs the protocol for its metrics and persistence but always executes.
func (c *Coordinator) observe(ctx context.Context, scope idempotencyport.Scope, fp idempotencyport.Fingerprint, exec Executor) (Result, error) {
	acq, err := c.store.TryAcquire(ctx, idempotencyport.AcquireRequest{
		Scope:       scope,
		Fingerprint: fp,
		TTL:         c.cfg.LockTTL,
		Overwrite:   true,
	})
	if err != nil {
		c.metrics.BackendError("acquire")
		c.logger(scope, RoleNone).Warn().Err(err).Str("op", "acquire").Msg("idempotency backend error in observe mode")
		c.metrics.Decision(scope.Tenant, DecisionObserve)
		return passThrough(ctx, DecisionObserve, exec)
	}
	if acq.Acquired {
		c.observeReplaced(scope, acq.Replaced)
		if acq.Replaced != nil && acq.Replaced.Fingerprint != fp {
			c.metrics.Conflict(scope.Tenant, RoleLeader)
		}
		return c.lead(ctx, scope, acq.OwnerToken, DecisionObserve, exec)
	}

	cur := acq.Existing
	switch {
	case cur.State == idempotencyport.StateStored && cur.Fingerprint == fp:
		c.metrics.Hit(scope.Tenant, RoleFollower)
	case cur.State == idempotencyport.StateInProgress && cur.Fingerprint != fp:
		c.metrics.Conflict(scope.Tenant, RoleFollower)
	}
	c.metrics.Decision(scope.Tenant, DecisionObserve)
	c.logger(scope, RoleFollower).Debug().Str("state", string(cur.State)).Msg("observe mode: would not have executed")
	return passThrough(ctx, DecisionObserve, exec)
}

func (c *Coordinator) lead(ctx context.Context, scope idempotencyport.Scope, token string, d Decision, exec Executor) (Result, error) {
	tenant := scope.Tenant
	c.metrics.Miss(tenant, RoleLeader)
	c.metrics.Decision(tenant, d)
	c.metrics.LeaderStarted(tenant)
	defer c.metrics.LeaderFinished(tenant)

	// The side effect is committed once execution starts, so neither the handler nor the
	// persistence of its outcome may be cut short by the client going away.
	execCtx := context.WithoutCancel(ctx)
	settled := false
	defer func() {
		if !settled {
			c.release(execCtx, scope, token)
		}
	}()

	out, err := exec(execCtx)
	settled = true
	res := Result{Decision: d, Role: RoleLeader, Executed: true, Outcome: out}
	if err != nil || !c.cacheable(out) {
		c.release(execCtx, scope, token)
		c.logger(scope, RoleLeader).Debug().
			Int("status", out.Response.StatusCode).
			Bool("streaming", out.Streaming).
			Bool("truncated", out.Truncated).
			Msg("leader outcome not cacheable; released")
		return res, err
	}
	c.storeResult(execCtx, scope, token, out.Response)
	return res, nil
}

func (c *Coordinator) cacheable(out Outcome) bool {
	if out.Streaming || out.Truncated {
		return false
	}
	status := out.Response.StatusCode
	if status < 100 || status >= 500 {
		return false
	}
	return int64(len(out.Response.Body)) <= c.cfg.MaxCacheableBodyBytes
}

func (c *Coordinator) storeResult(ctx context.Context, scope idempotencyport.Scope, token string, resp idempotencyport.CachedResponse) {
	err := c.store.StoreResult(ctx, scope, token, resp, c.cfg.LockTTL)
	switch {
	case err == nil:
		c.logger(scope, RoleLeader).Debug().Int("status", resp.StatusCode).Int("bytes", resp.Size()).Msg("leader stored result")
	case errors.Is(err, idempotencyport.ErrOwnerMismatch):
		c.metrics.OwnerMismatch(scope.Tenant)
		c.logger(scope, RoleLeader).Warn().Str("op", "store").Msg("lease was reclaimed before the leader finished; result dropped")
	default:
		c.metrics.BackendError("store")
		c.logger(scope, RoleLeader).Error().Err(err).Str("op", "store").Msg("failed to store leader result")
	}
}

func (c *Coordinator) release(ctx context.Context, scope idempotencyport.Scope, token string) {
	err := c.store.Release(ctx, scope, token)
	switch {
	case err == nil:
	case errors.Is(err, idempotencyport.ErrOwnerMismatch):
		c.metrics.OwnerMismatch(scope.Tenant)
		c.logger(scope, RoleLeader).Warn().Str("op", "release").Msg("lease was reclaimed before the leader finished")
	default:
		c.metrics.BackendError("release")
		c.logger(scope, RoleLeader).Error().Err(err).Str("op", "release").Msg("failed to release lease")
	}
}

func (c *Coordinator) replay(ctx context.Context, scope idempotencyport.Scope, cur idempotencyport.Entry) Result {
	count := cur.ReplayCount + 1
	var extend time.Duration
	if c.cfg.TouchOnReplay {
		extend = cur.TTL
		if extend <= 0 {
			extend = c.cfg.LockTTL
		}
	}
	// The counter bump and the ttl refresh are one store operation.
	n, ok, err := c.store.RecordReplay(ctx, scope, extend)
	switch {
	case err != nil:
		c.metrics.BackendError("replay")
		c.logger(scope, RoleFollower).Warn().Err(err).Str("op", "replay").Msg("failed to record replay")
	case ok:
		count = n
	}

	c.metrics.Hit(scope.Tenant, RoleFollower)
	c.metrics.Decision(scope.Tenant, DecisionReplay)
	resp := *cur.Response
	return Result{Decision: DecisionReplay, Role: RoleFollower, Replay: &resp, ReplayCount: count}
}

func (c *Coordinator) waitExhausted(ctx context.Context, scope idempotencyport.Scope, fp idempotencyport.Fingerprint, overwrite bool, exec Executor) (Result, error) {
	if c.cfg.StrictFailClosed {
		c.metrics.Decision(scope.Tenant, DecisionFailClosed)
		c.logger(scope, RoleFollower).Warn().Msg("follower wait exhausted; failing closed")
		return Result{Decision: DecisionFailClosed, Role: RoleFollower}, ErrFollowerWaitExhausted
	}

	// Promote: one last attempt to lead, on a context free of the wait budget.
	promoteCtx := context.WithoutCancel(ctx)
	acq, err := c.store.TryAcquire(promoteCtx, idempotencyport.AcquireRequest{
		Scope:       scope,
		Fingerprint: fp,
		TTL:         c.cfg.LockTTL,
		Overwrite:   overwrite,
	})
	if err != nil {
		return c.backendFailure(ctx, scope, "acquire", err, exec)
	}
	if acq.Acquired {
		c.observeReplaced(scope, acq.Replaced)
		return c.lead(ctx, scope, acq.OwnerToken, DecisionLeader, exec)
	}
	if cur := acq.Existing; cur.State == idempotencyport.StateStored && cur.Fingerprint == fp && cur.Response != nil {
		return c.replay(promoteCtx, scope, cur), nil
	}

	c.metrics.Decision(scope.Tenant, DecisionFailOpen)
	c.logger(scope, RoleFollower).Warn().Str("state", string(acq.Existing.State)).Msg("follower wait exhausted; executing uncoordinated")
	return passThrough(ctx, DecisionFailOpen, exec)
}

func (c *Coordinator) backendFailure(ctx context.Context, scope idempotencyport.Scope, op string, err error, exec Executor) (Result, error) {
	c.metrics.BackendError(op)
	if !errors.Is(err, idempotencyport.ErrBackendUnavailable) {
		err = idempotencyport.Unavailable(op, err)
	}
	if c.cfg.StrictFailClosed {
		c.metrics.Decision(scope.Tenant, DecisionFailClosed)
		c.logger(scope, RoleNone).Error().Err(err).Str("op", op).Msg("idempotency backend unavailable; failing closed")
		return Result{Decision: DecisionFailClosed}, err
	}
	c.metrics.Decision(scope.Tenant, DecisionFailOpen)
	c.logger(scope, RoleNone).Warn().Err(err).Str("op", op).Msg("idempotency backend unavailable; executing uncoordinated")
	return passThrough(ctx, DecisionFailOpen, exec)
}

func (c *Coordinator) observeReplaced(scope idempotencyport.Scope, prev *idempotencyport.Entry) {
	if prev != nil && prev.ReplayCount > 0 {
		c.metrics.ObserveReplayCount(scope.Tenant, prev.ReplayCount)
	}
}

func (c *Coordinator) logger(scope idempotencyport.Scope, role Role) *zerolog.Logger {
	l := c.log.With().
		Str("tenant", string(scope.Tenant)).
		Str("idempotency_key", string(scope.Key)).
		Str("role", string(role)).
		Logger()
	return &l
}
