// Package metrics exposes idempotency coordination events as Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
)

const namespace = "guardrail_idempotency"

// Metrics implements appidem.Metrics.
type Metrics struct {
	Hits          *prometheus.CounterVec // role, tenant
	Misses        *prometheus.CounterVec // role, tenant
	Conflicts     *prometheus.CounterVec // role, tenant
	Decisions     *prometheus.CounterVec // decision, tenant
	InProgress    *prometheus.GaugeVec   // tenant
	LockWait      *prometheus.HistogramVec
	ReplayCount   *prometheus.HistogramVec
	Purges        *prometheus.CounterVec // tenant
	StuckLocks    *prometheus.CounterVec // tenant
	BackendErrors *prometheus.CounterVec // op
	Mismatches    *prometheus.CounterVec // tenant
	SweptEntries  prometheus.Counter
}

var _ appidem.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "Requests served a replay of a stored response.",
		}, []string{"role", "tenant"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses_total",
			Help:      "Requests that executed the wrapped handler as leader.",
		}, []string{"role", "tenant"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Requests reusing a key with a different fingerprint.",
		}, []string{"role", "tenant"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Coordinator decisions by kind.",
		}, []string{"decision", "tenant"}),
		InProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_progress",
			Help:      "Leaders currently executing on this instance.",
		}, []string{"tenant"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time followers spent waiting for a leader.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"role", "tenant"}),
		ReplayCount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_count",
			Help:      "Replays served per entry, observed when an entry is purged or overwritten.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"tenant"}),
		Purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Entries removed by the admin purge endpoint.",
		}, []string{"tenant"}),
		StuckLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_lock_recoveries_total",
			Help:      "Purges that removed an in-progress entry past its expiry.",
		}, []string{"tenant"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Entry store failures by operation.",
		}, []string{"op"}),
		Mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "owner_mismatch_total",
			Help:      "Stale leaders rejected because their lease was reclaimed.",
		}, []string{"tenant"}),
		SweptEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_entries_total",
			Help:      "Long-expired entries removed by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.Hits,
		m.Misses,
		m.Conflicts,
		m.Decisions,
		m.InProgress,
		m.LockWait,
		m.ReplayCount,
		m.Purges,
		m.StuckLocks,
		m.BackendErrors,
		m.Mismatches,
		m.SweptEntries,
	)
	return m
}

func (m *Metrics) Hit(t domain.TenantID, r appidem.Role) {
	m.Hits.WithLabelValues(string(r), string(t)).Inc()
}

func (m *Metrics) Miss(t domain.TenantID, r appidem.Role) {
	m.Misses.WithLabelValues(string(r), string(t)).Inc()
}

func (m *Metrics) Conflict(t domain.TenantID, r appidem.Role) {
	m.Conflicts.WithLabelValues(string(r), string(t)).Inc()
}

func (m *Metrics) Decision(t domain.TenantID, d appidem.Decision) {
	m.Decisions.WithLabelValues(string(d), string(t)).Inc()
}

func (m *Metrics) LeaderStarted(t domain.TenantID) {
	m.InProgress.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) LeaderFinished(t domain.TenantID) {
	m.InProgress.WithLabelValues(string(t)).Dec()
}

func (m *Metrics) ObserveLockWait(t domain.TenantID, d time.Duration) {
	m.LockWait.WithLabelValues(string(appidem.RoleFollower), string(t)).Observe(d.Seconds())
}

func (m *Metrics) ObserveReplayCount(t domain.TenantID, n int64) {
	m.ReplayCount.WithLabelValues(string(t)).Observe(float64(n))
}

func (m *Metrics) Purge(t domain.TenantID) {
	m.Purges.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) StuckLockRecovered(t domain.TenantID) {
	m.StuckLocks.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) BackendError(op string) {
	m.BackendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) OwnerMismatch(t domain.TenantID) {
	m.Mismatches.WithLabelValues(string(t)).Inc()
}

// Swept counts entries removed by a sweep pass.
func (m *Metrics) Swept(n int) {
	if n > 0 {
		m.SweptEntries.Add(float64(n))
	}
}
