package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const recentDepthTimeout = 2 * time.Second

// recentDepthCollector reads ring depths from the store on every scrape.
type recentDepthCollector struct {
	src     idempotencyport.RecentDepther
	desc    *prometheus.Desc
	timeout time.Duration
	onError func()
}

// RegisterRecentDepth exports guardrail_idempotency_recent_ring_depth, computed from src at
// scrape time. A failed read counts a backend error and leaves the series out of that scrape.
func (m *Metrics) RegisterRecentDepth(reg prometheus.Registerer, src idempotencyport.RecentDepther) error {
	return reg.Register(&recentDepthCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "recent_ring_depth"),
			"Keys in the tenant's recent activity ring.",
			[]string{"tenant"}, nil,
		),
		timeout: recentDepthTimeout,
		onError: func() { m.BackendError("recent_depths") },
	})
}

func (c *recentDepthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *recentDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	depths, err := c.src.RecentDepths(ctx)
	if err != nil {
		c.onError()
		return
	}
	for tenant, n := range depths {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(tenant))
	}
}
