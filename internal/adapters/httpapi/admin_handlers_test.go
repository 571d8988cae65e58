package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	memclock "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/clock"
	memidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/idempotency"
	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/metrics"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

func TestAdmin_RecentInspectPurge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	for _, k := range []string{"a-1", "a-2"} {
		_ = env.do(t, http.MethodPost, "/v1/guardrail", map[string]string{"Idempotency-Key": k, "X-Tenant-ID": "acme"}, `{"p":1}`)
	}
	_ = env.do(t, http.MethodPost, "/v1/guardrail", map[string]string{"Idempotency-Key": "a-1", "X-Tenant-ID": "acme"}, `{"p":1}`)

	rr := env.do(t, http.MethodGet, "/admin/idempotency/recent?tenant=acme&limit=10", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("recent status=%d body=%s", rr.Code, rr.Body.String())
	}
	var recent RecentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode recent err=%v", err)
	}
	if recent.Tenant != "acme" || len(recent.Items) != 2 {
		t.Fatalf("unexpected recent %+v", recent)
	}
	if recent.Items[0].Key != "a-1" || recent.Items[0].ReplayCount != 1 || recent.Items[0].State != "stored" {
		t.Fatalf("most recent should be the replayed key: %+v", recent.Items[0])
	}
	var rawRecent struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rawRecent); err != nil {
		t.Fatalf("decode recent err=%v", err)
	}
	for _, field := range []string{"key", "state", "first_seen_at", "last_seen_at", "replay_count"} {
		if _, ok := rawRecent.Items[0][field]; !ok {
			t.Fatalf("recent item missing %q: %v", field, rawRecent.Items[0])
		}
	}
	if _, ok := rawRecent.Items[0]["expired"]; ok {
		t.Fatalf("live item must not carry expired: %v", rawRecent.Items[0])
	}

	rr = env.do(t, http.MethodGet, "/admin/idempotency/a-1?tenant=acme", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("inspect status=%d body=%s", rr.Code, rr.Body.String())
	}
	var raw map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode inspect err=%v", err)
	}
	if raw["state"] != "stored" || raw["response_status"] != float64(http.StatusCreated) || raw["expired"] != false {
		t.Fatalf("unexpected snapshot %v", raw)
	}
	if fp, _ := raw["fingerprint_prefix"].(string); len(fp) != 12 {
		t.Fatalf("fingerprint prefix=%q", fp)
	}
	if _, ok := raw["body"]; ok {
		t.Fatalf("snapshot must not expose the cached body")
	}

	rr = env.do(t, http.MethodDelete, "/admin/idempotency/a-1?tenant=acme", nil, "")
	if got := strings.TrimSpace(rr.Body.String()); got != `{"purged":true}` {
		t.Fatalf("purge body=%s", got)
	}
	var purge PurgeResponse
	rr = env.do(t, http.MethodDelete, "/admin/idempotency/a-1?tenant=acme", nil, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &purge); err != nil || purge.Purged {
		t.Fatalf("second purge body=%s err=%v", rr.Body.String(), err)
	}

	rr = env.do(t, http.MethodGet, "/admin/idempotency/a-1?tenant=acme", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("inspect after purge status=%d", rr.Code)
	}
	if er := decodeError(t, rr); er.Error.Code != "IDEMPOTENCY_KEY_NOT_FOUND" {
		t.Fatalf("code=%s", er.Error.Code)
	}

	// Purged keys re-execute.
	_ = env.do(t, http.MethodPost, "/v1/guardrail", map[string]string{"Idempotency-Key": "a-1", "X-Tenant-ID": "acme"}, `{"p":1}`)
	if n := env.calls.Load(); n != 3 {
		t.Fatalf("upstream calls=%d, want 3", n)
	}
}

func TestAdmin_TenantFallsBackToIdentity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	_ = env.do(t, http.MethodPost, "/v1/guardrail", map[string]string{"Idempotency-Key": "b-1", "X-Tenant-ID": "beta"}, `{}`)

	rr := env.do(t, http.MethodGet, "/admin/idempotency/b-1", map[string]string{"X-Tenant-ID": "beta"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/admin/idempotency/b-1", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("default tenant must not see beta's keys, status=%d", rr.Code)
	}
}

func TestAdmin_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodGet, "/admin/idempotency/recent?limit=abc", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/admin/idempotency/bad%20key", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad key status=%d", rr.Code)
	}
	if er := decodeError(t, rr); er.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("code=%s", er.Error.Code)
	}
}

func TestAdmin_TokenRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{adminToken: "s3cret"})
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "malformed", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "ok", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := map[string]string{}
			if tc.header != "" {
				h["Authorization"] = tc.header
			}
			rr := env.do(t, http.MethodGet, "/admin/idempotency/recent", h, "")
			if rr.Code != tc.want {
				t.Fatalf("status=%d want=%d", rr.Code, tc.want)
			}
		})
	}

	// The coordinated surface is not behind the admin token.
	rr := env.do(t, http.MethodPost, "/v1/guardrail", nil, `{}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestAdmin_StuckLockVisibleUntilPurged(t *testing.T) {
	t.Parallel()

	clk := memclock.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memidempotency.NewStore(memidempotency.WithClock(clk))
	m := metrics.New(prometheus.NewRegistry())
	env := newTestEnv(t, envOptions{store: store, cfg: appidem.Config{LockTTL: time.Minute}, metrics: m})

	acq, err := store.TryAcquire(context.Background(), idempotencyport.AcquireRequest{
		Scope:       idempotencyport.Scope{Tenant: "acme", Key: "stuck"},
		Fingerprint: "fp",
		TTL:         time.Minute,
	})
	if err != nil || !acq.Acquired {
		t.Fatalf("acquire acquired=%v err=%v", acq.Acquired, err)
	}
	clk.Advance(2 * time.Minute)

	rr := env.do(t, http.MethodGet, "/admin/idempotency/stuck?tenant=acme", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("inspect status=%d body=%s", rr.Code, rr.Body.String())
	}
	var snap EntrySnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if snap.State != "in_progress" || !snap.Expired || !snap.StuckLock {
		t.Fatalf("stuck lock snapshot=%+v", snap)
	}

	rr = env.do(t, http.MethodGet, "/admin/idempotency/recent?tenant=acme", nil, "")
	var recent RecentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode recent err=%v", err)
	}
	if len(recent.Items) != 1 || recent.Items[0].State != "in_progress" || !recent.Items[0].Expired {
		t.Fatalf("recent=%+v", recent.Items)
	}

	rr = env.do(t, http.MethodDelete, "/admin/idempotency/stuck?tenant=acme", nil, "")
	if got := strings.TrimSpace(rr.Body.String()); got != `{"purged":true}` {
		t.Fatalf("purge body=%s", got)
	}
	if got := testutil.ToFloat64(m.StuckLocks.WithLabelValues("acme")); got != 1 {
		t.Fatalf("stuck lock recoveries=%v", got)
	}
	if got := testutil.ToFloat64(m.Purges.WithLabelValues("acme")); got != 1 {
		t.Fatalf("purges=%v", got)
	}

	rr = env.do(t, http.MethodGet, "/admin/idempotency/stuck?tenant=acme", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("inspect after purge status=%d", rr.Code)
	}
}
