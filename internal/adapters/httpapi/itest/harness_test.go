package itest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/httpapi"
	memidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/idempotency"
	pgidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/postgres/idempotency"
	postgres_testutil "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/postgres/testutil"
	redisidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/redis/idempotency"
	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/metrics"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

type backend string

const (
	backendMemory   backend = "memory"
	backendRedis    backend = "redis"
	backendPostgres backend = "postgres"
)

func backendsFromEnv(t *testing.T) []backend {
	t.Helper()
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ITEST_BACKEND"))) {
	case "", "memory":
		return []backend{backendMemory}
	case "redis":
		return []backend{backendRedis}
	case "postgres":
		return []backend{backendPostgres}
	case "all":
		return []backend{backendMemory, backendRedis, backendPostgres}
	default:
		t.Fatalf("unknown ITEST_BACKEND value (expected memory|redis|postgres|all)")
		return nil
	}
}

// forEachBackend runs fn once per selected backend as a parallel subtest.
func forEachBackend(t *testing.T, cfg appidem.Config, fn func(t *testing.T, s *testServer)) {
	t.Helper()
	for _, b := range backendsFromEnv(t) {
		b := b
		t.Run(string(b), func(t *testing.T) {
			t.Parallel()
			fn(t, newTestServer(t, b, cfg))
		})
	}
}

type testServer struct {
	baseURL string
	client  *http.Client
	// tenant is unique per server so runs against a shared database never collide.
	tenant        string
	upstreamCalls *atomic.Int32
	// upstreamDelay slows the policy API down to force concurrent requests to overlap.
	upstreamDelay atomic.Int64
}

func newTestServer(t *testing.T, b backend, cfg appidem.Config) *testServer {
	t.Helper()

	var store idempotencyport.EntryStore
	switch b {
	case backendPostgres:
		store = pgidempotency.NewStore(postgres_testutil.OpenMigratedPool(t))
	case backendRedis:
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		store = redisidempotency.NewStore(rdb)
	case backendMemory:
		store = memidempotency.NewStore()
	default:
		t.Fatalf("unknown backend: %s", b)
	}

	s := &testServer{
		tenant:        "itest-" + uuid.NewString(),
		upstreamCalls: &atomic.Int32{},
	}

	// A stand-in for the policy API: echoes the request and numbers each execution.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.upstreamCalls.Add(1)
		if d := s.upstreamDelay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"execution": n,
			"path":      r.URL.Path,
			"request":   json.RawMessage(nonEmptyJSON(body)),
		})
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if d, ok := store.(idempotencyport.RecentDepther); ok {
		if err := m.RegisterRecentDepth(reg, d); err != nil {
			t.Fatalf("register recent depth: %v", err)
		}
	}
	coord := appidem.NewCoordinator(store, cfg, appidem.WithMetrics(m))
	handler := httpapi.NewRouter(httpapi.RouterOptions{
		Coordinator: coord,
		Admin:       appidem.NewAdmin(store, m, zerolog.Nop()),
		Upstream:    httputil.NewSingleHostReverseProxy(target),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Identity:    httpapi.IdentityOptions{DefaultTenant: "default"},
		Logger:      zerolog.Nop(),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s.baseURL = srv.URL
	s.client = srv.Client()
	return s
}

func nonEmptyJSON(b []byte) []byte {
	if len(bytes.TrimSpace(b)) == 0 {
		return []byte("null")
	}
	return b
}

func (s *testServer) url(path string) string {
	if strings.HasPrefix(path, "/") {
		return s.baseURL + path
	}
	return s.baseURL + "/" + path
}

type response struct {
	status int
	body   []byte
	header http.Header
}

func (s *testServer) do(t *testing.T, method string, path string, key string, body any) response {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Errorf("marshal body: %v", err)
			return response{}
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.url(path), r)
	if err != nil {
		t.Errorf("new request: %v", err)
		return response{}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", s.tenant)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		t.Errorf("do request: %v", err)
		return response{}
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, body: out, header: resp.Header}
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func mustUnmarshal[T any](t *testing.T, b []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v\nbody=%s", err, string(b))
	}
	return out
}

func requireErrorCode(t *testing.T, r response, wantStatus int, wantCode string) {
	t.Helper()
	if r.status != wantStatus {
		t.Fatalf("status=%d want=%d body=%s", r.status, wantStatus, string(r.body))
	}
	got := mustUnmarshal[errorResponse](t, r.body)
	if got.Error.Code != wantCode {
		t.Fatalf("error.code=%q want=%q body=%s", got.Error.Code, wantCode, string(r.body))
	}
}

func requireHeader(t *testing.T, h http.Header, key, want string) {
	t.Helper()
	if got := h.Get(key); got != want {
		t.Fatalf("header %s=%q want %q", key, got, want)
	}
}
