package idempotency

import (
	"time"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
)

// Metrics receives coordination events. Implementations must be safe for concurrent use.
type Metrics interface {
	// Hit counts a replay served from a stored entry.
	Hit(tenant domain.TenantID, role Role)
	// Miss counts an execution by a leader.
	Miss(tenant domain.TenantID, role Role)
	Conflict(tenant domain.TenantID, role Role)
	Decision(tenant domain.TenantID, d Decision)

	LeaderStarted(tenant domain.TenantID)
	LeaderFinished(tenant domain.TenantID)

	ObserveLockWait(tenant domain.TenantID, d time.Duration)
	ObserveReplayCount(tenant domain.TenantID, n int64)

	Purge(tenant domain.TenantID)
	StuckLockRecovered(tenant domain.TenantID)

	BackendError(op string)
	OwnerMismatch(tenant domain.TenantID)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) Hit(domain.TenantID, Role)                      {}
func (NopMetrics) Miss(domain.TenantID, Role)                     {}
func (NopMetrics) Conflict(domain.TenantID, Role)                 {}
func (NopMetrics) Decision(domain.TenantID, Decision)             {}
func (NopMetrics) LeaderStarted(domain.TenantID)                  {}
func (NopMetrics) LeaderFinished(domain.TenantID)                 {}
func (NopMetrics) ObserveLockWait(domain.TenantID, time.Duration) {}
func (NopMetrics) ObserveReplayCount(domain.TenantID, int64)      {}
func (NopMetrics) Purge(domain.TenantID)                          {}
func (NopMetrics) StuckLockRecovered(domain.TenantID)             {}
func (NopMetrics) BackendError(string)                            {}
func (NopMetrics) OwnerMismatch(domain.TenantID)                  {}
