package idempotency

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// Mode is the rollout mode of the coordinator.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeObserve Mode = "observe"
	ModeEnforce Mode = "enforce"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeObserve, ModeEnforce:
		return m, nil
	case "":
		return ModeEnforce, nil
	default:
		return "", fmt.Errorf("mode must be one of off, observe, enforce (got %q)", s)
	}
}

// Policy selects which requests are coordinated. It can be swapped at runtime.
type Policy struct {
	Mode           Mode
	EnforceMethods []string
	// ExcludePaths are path.Match globs, e.g. "/v1/health" or "/internal/*".
	ExcludePaths []string
}

func DefaultPolicy() Policy {
	return Policy{Mode: ModeEnforce, EnforceMethods: []string{"POST"}}
}

// Normalize upper-cases methods and drops empty entries.
func (p Policy) Normalize() Policy {
	out := Policy{Mode: p.Mode}
	if out.Mode == "" {
		out.Mode = ModeEnforce
	}
	for _, m := range p.EnforceMethods {
		if m = domain.NormalizeMethod(m); m != "" && !slices.Contains(out.EnforceMethods, m) {
			out.EnforceMethods = append(out.EnforceMethods, m)
		}
	}
	for _, g := range p.ExcludePaths {
		if g = strings.TrimSpace(g); g != "" {
			out.ExcludePaths = append(out.ExcludePaths, g)
		}
	}
	return out
}

// Validate rejects malformed globs so a bad config reload never silently stops excluding.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	for _, g := range p.ExcludePaths {
		if _, err := path.Match(g, g); err != nil {
			return fmt.Errorf("exclude_paths entry %q is not a valid glob: %w", g, err)
		}
	}
	return nil
}

// Applies reports whether method and urlPath are in scope for coordination.
func (p Policy) Applies(method, urlPath string) bool {
	if !slices.Contains(p.EnforceMethods, domain.NormalizeMethod(method)) {
		return false
	}
	for _, g := range p.ExcludePaths {
		if ok, _ := path.Match(g, urlPath); ok {
			return false
		}
	}
	return true
}

const (
	DefaultLockTTL               = 120 * time.Second
	DefaultWaitBudget            = 2 * time.Second
	DefaultJitter                = 50 * time.Millisecond
	DefaultMaxCacheableBodyBytes = 1 << 20
	DefaultMaxRequestBodyBytes   = 4 << 20
)

// Config holds the coordinator settings that are fixed for the life of the process.
type Config struct {
	// LockTTL bounds both a leader's lease and the lifetime of a stored response.
	LockTTL    time.Duration
	WaitBudget time.Duration
	Jitter     time.Duration

	StrictFailClosed      bool
	TouchOnReplay         bool
	MaxCacheableBodyBytes int64
	// MaxRequestBodyBytes caps how much of a request body is buffered for fingerprinting.
	// Larger requests run uncoordinated.
	MaxRequestBodyBytes int64
	RejectInvalidKeys   bool
}

func DefaultConfig() Config {
	return Config{
		LockTTL:               DefaultLockTTL,
		WaitBudget:            DefaultWaitBudget,
		Jitter:                DefaultJitter,
		MaxCacheableBodyBytes: DefaultMaxCacheableBodyBytes,
		MaxRequestBodyBytes:   DefaultMaxRequestBodyBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.WaitBudget <= 0 {
		c.WaitBudget = d.WaitBudget
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MaxCacheableBodyBytes <= 0 {
		c.MaxCacheableBodyBytes = d.MaxCacheableBodyBytes
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = d.MaxRequestBodyBytes
	}
	return c
}

// Request is the coordination-relevant view of an incoming call.
type Request struct {
	Tenant  domain.TenantID
	Subject domain.SubjectID
	Method  string
	// Path is the concrete request path, matched against ExcludePaths.
	Path string
	// Route is the route template used for fingerprinting. Empty falls back to Path.
	Route string
	// Key is the raw Idempotency-Key header value. Empty means absent.
	Key         string
	ContentType string
	Body        []byte
	// Policy pins the policy the caller already evaluated. Nil reads the current one.
	Policy *Policy
}

// Outcome is what an execution of the wrapped handler produced.
type Outcome struct {
	Response idempotencyport.CachedResponse
	// Streaming is set when the handler flushed mid-response.
	Streaming bool
	// Truncated is set when the body exceeded the capture limit.
	Truncated bool
}

// Executor runs the wrapped handler exactly once.
type Executor func(ctx context.Context) (Outcome, error)

// Role is the part a request played in the protocol.
type Role string

const (
	RoleNone     Role = ""
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Decision classifies how a request was handled; it labels the decisions metric.
type Decision string

const (
	DecisionOff           Decision = "off"
	DecisionNotApplicable Decision = "not_applicable"
	DecisionInvalidKey    Decision = "invalid_key"
	DecisionObserve       Decision = "observe"
	DecisionLeader        Decision = "leader"
	DecisionReplay        Decision = "replay"
	DecisionFailOpen      Decision = "fail_open"
	DecisionFailClosed    Decision = "fail_closed"
	DecisionBodyTooLarge  Decision = "body_too_large"
)

// Result reports what the coordinator did with a request.
type Result struct {
	Decision Decision
	Role     Role
	// Executed is true when the executor ran for this request.
	Executed bool
	// Replay is the cached response to serve instead of executing.
	Replay      *idempotencyport.CachedResponse
	ReplayCount int64
	// Outcome is the executor's result when Executed is true.
	Outcome Outcome
}
