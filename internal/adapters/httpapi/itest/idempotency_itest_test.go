package itest

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
)

type purgeResponse struct {
	Purged bool `json:"purged"`
}

type recentResponse struct {
	Tenant string `json:"tenant"`
	Items  []struct {
		Key         string `json:"key"`
		State       string `json:"state"`
		ReplayCount int64  `json:"replay_count"`
	} `json:"items"`
}

func TestIdempotency_ConcurrentRequestsExecuteOnce(t *testing.T) {
	t.Parallel()

	forEachBackend(t, appidem.Config{WaitBudget: 10 * time.Second}, func(t *testing.T, s *testServer) {
		s.upstreamDelay.Store(int64(200 * time.Millisecond))

		const n = 10
		out := make([]response, n)
		var g errgroup.Group
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				out[i] = s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "conc-1", map[string]any{"prompt": "hello"})
				return nil
			})
		}
		_ = g.Wait()

		if got := s.upstreamCalls.Load(); got != 1 {
			t.Fatalf("upstream executions=%d, want 1", got)
		}
		fresh := 0
		for i, r := range out {
			if r.status != http.StatusOK {
				t.Fatalf("response %d status=%d body=%s", i, r.status, string(r.body))
			}
			if !bytes.Equal(r.body, out[0].body) {
				t.Fatalf("response %d differs: %s vs %s", i, string(r.body), string(out[0].body))
			}
			if r.header.Get("Idempotency-Replayed") == "false" {
				fresh++
			}
		}
		if fresh != 1 {
			t.Fatalf("non-replayed responses=%d, want 1", fresh)
		}
	})
}

func TestIdempotency_ConflictThenReplay(t *testing.T) {
	t.Parallel()

	forEachBackend(t, appidem.Config{}, func(t *testing.T, s *testServer) {
		a := s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "conf-1", map[string]any{"prompt": "a"})
		requireHeader(t, a.header, "Idempotency-Replayed", "false")

		// Volatile fields do not change the fingerprint.
		again := s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "conf-1", map[string]any{"prompt": "a", "timestamp": "later"})
		requireHeader(t, again.header, "Idempotency-Replayed", "true")

		b := s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "conf-1", map[string]any{"prompt": "b"})
		requireHeader(t, b.header, "Idempotency-Replayed", "false")
		if !strings.Contains(string(b.body), `"prompt":"b"`) {
			t.Fatalf("conflict should execute the new payload, body=%s", string(b.body))
		}

		replay := s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "conf-1", map[string]any{"prompt": "b"})
		requireHeader(t, replay.header, "Idempotency-Replayed", "true")
		requireHeader(t, replay.header, "Idempotency-Replay-Count", "1")
		if !bytes.Equal(replay.body, b.body) {
			t.Fatalf("replay differs from overwrite result")
		}
		if got := s.upstreamCalls.Load(); got != 2 {
			t.Fatalf("upstream executions=%d, want 2", got)
		}
	})
}

func TestIdempotency_AdminLifecycle(t *testing.T) {
	t.Parallel()

	forEachBackend(t, appidem.Config{}, func(t *testing.T, s *testServer) {
		_ = s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "adm-1", map[string]any{"prompt": "x"})
		_ = s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "adm-1", map[string]any{"prompt": "x"})

		recent := s.do(t, http.MethodGet, "/admin/idempotency/recent?limit=5", "", nil)
		if recent.status != http.StatusOK {
			t.Fatalf("recent status=%d body=%s", recent.status, string(recent.body))
		}
		rr := mustUnmarshal[recentResponse](t, recent.body)
		if rr.Tenant != s.tenant || len(rr.Items) != 1 || rr.Items[0].Key != "adm-1" || rr.Items[0].ReplayCount != 1 {
			t.Fatalf("unexpected recent: %+v", rr)
		}

		inspect := s.do(t, http.MethodGet, "/admin/idempotency/adm-1", "", nil)
		if inspect.status != http.StatusOK || !strings.Contains(string(inspect.body), `"state":"stored"`) {
			t.Fatalf("inspect status=%d body=%s", inspect.status, string(inspect.body))
		}

		purge := s.do(t, http.MethodDelete, "/admin/idempotency/adm-1", "", nil)
		if p := mustUnmarshal[purgeResponse](t, purge.body); !p.Purged {
			t.Fatalf("unexpected purge %+v", p)
		}
		if strings.Contains(string(purge.body), "stuck") {
			t.Fatalf("purge body leaks the stuck-lock flag: %s", string(purge.body))
		}
		missing := s.do(t, http.MethodGet, "/admin/idempotency/adm-1", "", nil)
		requireErrorCode(t, missing, http.StatusNotFound, "IDEMPOTENCY_KEY_NOT_FOUND")

		after := s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "adm-1", map[string]any{"prompt": "x"})
		requireHeader(t, after.header, "Idempotency-Replayed", "false")
		if got := s.upstreamCalls.Load(); got != 2 {
			t.Fatalf("upstream executions=%d, want 2", got)
		}
	})
}

func TestIdempotency_InvalidKeyRejected(t *testing.T) {
	t.Parallel()

	forEachBackend(t, appidem.Config{RejectInvalidKeys: true}, func(t *testing.T, s *testServer) {
		r := s.do(t, http.MethodPost, "/v1/guardrail/evaluate", strings.Repeat("k", 201), map[string]any{"prompt": "x"})
		requireErrorCode(t, r, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY")
		requireHeader(t, r.header, "Idempotency-Error", "invalid_key")
		if got := s.upstreamCalls.Load(); got != 0 {
			t.Fatalf("upstream executions=%d, want 0", got)
		}
	})
}

func TestIdempotency_MetricsExposed(t *testing.T) {
	t.Parallel()

	forEachBackend(t, appidem.Config{}, func(t *testing.T, s *testServer) {
		_ = s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "met-1", map[string]any{"prompt": "x"})
		_ = s.do(t, http.MethodPost, "/v1/guardrail/evaluate", "met-1", map[string]any{"prompt": "x"})

		resp, err := s.client.Get(s.url("/metrics"))
		if err != nil {
			t.Fatalf("get metrics: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		for _, want := range []string{
			`guardrail_idempotency_hits_total{role="follower",tenant="` + s.tenant + `"} 1`,
			`guardrail_idempotency_misses_total{role="leader",tenant="` + s.tenant + `"} 1`,
			`guardrail_idempotency_recent_ring_depth{tenant="` + s.tenant + `"} 1`,
		} {
			if !strings.Contains(string(body), want) {
				t.Fatalf("metrics missing %q\n%s", want, string(body))
			}
		}
	})
}
