package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
)

func newViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags err=%v", err)
	}
	v := viper.New()
	if err := Bind(v, fs); err != nil {
		t.Fatalf("bind err=%v", err)
	}
	return v
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadServerConfig(newViper(t))
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	if cfg.Listen != ":8080" || cfg.StorageBackend != BackendMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RecentCapacity != 100 || cfg.TenantHeader != "X-Tenant-ID" || cfg.DefaultTenant != "default" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SweepInterval != time.Minute || cfg.StaleRetention != time.Hour {
		t.Fatalf("unexpected durations: sweep=%v retention=%v", cfg.SweepInterval, cfg.StaleRetention)
	}
	if cfg.UpstreamURL != nil {
		t.Fatalf("expected no upstream, got %v", cfg.UpstreamURL)
	}
}

func TestLoadServerConfig_BackendRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := LoadServerConfig(newViper(t, "--storage-backend=redis"))
	if err == nil || !strings.Contains(err.Error(), "redis_url") {
		t.Fatalf("expected redis_url error, got %v", err)
	}
	_, err = LoadServerConfig(newViper(t, "--storage-backend=postgres"))
	if err == nil || !strings.Contains(err.Error(), "database_url") {
		t.Fatalf("expected database_url error, got %v", err)
	}
	_, err = LoadServerConfig(newViper(t, "--storage-backend=etcd"))
	if err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestLoadServerConfig_RejectsRelativeUpstream(t *testing.T) {
	t.Parallel()

	_, err := LoadServerConfig(newViper(t, "--upstream-url=policy:8081/v1"))
	if err == nil {
		t.Fatalf("expected upstream_url error")
	}

	cfg, err := LoadServerConfig(newViper(t, "--upstream-url=http://policy:8081"))
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	if cfg.UpstreamURL.Host != "policy:8081" {
		t.Fatalf("unexpected upstream %v", cfg.UpstreamURL)
	}
}

func TestLoadServerConfig_EnvOverridesFlagDefault(t *testing.T) {
	t.Setenv("GUARDRAIL_LISTEN", ":9999")
	t.Setenv("GUARDRAIL_SWEEP_INTERVAL", "bogus")

	_, err := LoadServerConfig(newViper(t))
	if err == nil || !strings.Contains(err.Error(), "sweep_interval must be a duration") {
		t.Fatalf("expected duration error, got %v", err)
	}

	t.Setenv("GUARDRAIL_SWEEP_INTERVAL", "5s")
	cfg, err := LoadServerConfig(newViper(t))
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	if cfg.Listen != ":9999" || cfg.SweepInterval != 5*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadIdempotencyConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadIdempotencyConfig(newViper(t), "development")
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	want := appidem.DefaultConfig()
	if cfg.Coordinator != want {
		t.Fatalf("coordinator config = %+v, want %+v", cfg.Coordinator, want)
	}
	if cfg.Policy.Mode != appidem.ModeEnforce || len(cfg.Policy.EnforceMethods) != 1 || cfg.Policy.EnforceMethods[0] != "POST" {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.VolatileFields != nil || cfg.LockTTLClamped {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadIdempotencyConfig_ProductionClampsLockTTL(t *testing.T) {
	t.Parallel()

	v := newViper(t, "--lock-ttl-seconds=30")

	cfg, err := LoadIdempotencyConfig(v, "production")
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	if cfg.Coordinator.LockTTL != ProductionMinLockTTL || !cfg.LockTTLClamped {
		t.Fatalf("expected clamp, got ttl=%v clamped=%v", cfg.Coordinator.LockTTL, cfg.LockTTLClamped)
	}

	cfg, err = LoadIdempotencyConfig(v, "staging")
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	if cfg.Coordinator.LockTTL != 30*time.Second || cfg.LockTTLClamped {
		t.Fatalf("expected no clamp outside production, got %v", cfg.Coordinator.LockTTL)
	}
}

func TestLoadIdempotencyConfig_ParsesSizesAndLists(t *testing.T) {
	t.Parallel()

	v := newViper(t,
		"--max-cacheable-body-bytes=64KiB",
		"--max-request-body-bytes=2MB",
		"--enforce-methods=post,put",
		"--exclude-paths=/healthz,/internal/*",
		"--volatile-fields=trace_id",
		"--mode=observe",
		"--strict-fail-closed",
	)
	cfg, err := LoadIdempotencyConfig(v, "")
	if err != nil {
		t.Fatalf("load err=%v", err)
	}
	if cfg.Coordinator.MaxCacheableBodyBytes != 64*1024 {
		t.Fatalf("size = %d", cfg.Coordinator.MaxCacheableBodyBytes)
	}
	if cfg.Coordinator.MaxRequestBodyBytes != 2_000_000 {
		t.Fatalf("request size = %d", cfg.Coordinator.MaxRequestBodyBytes)
	}
	if got := strings.Join(cfg.Policy.EnforceMethods, ","); got != "POST,PUT" {
		t.Fatalf("methods = %s", got)
	}
	if got := strings.Join(cfg.Policy.ExcludePaths, ","); got != "/healthz,/internal/*" {
		t.Fatalf("excludes = %s", got)
	}
	if len(cfg.VolatileFields) != 1 || cfg.VolatileFields[0] != "trace_id" {
		t.Fatalf("volatile = %v", cfg.VolatileFields)
	}
	if cfg.Policy.Mode != appidem.ModeObserve || !cfg.Coordinator.StrictFailClosed {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadIdempotencyConfig_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"lock_ttl_seconds":         {"--lock-ttl-seconds=0"},
		"wait_budget_ms":           {"--wait-budget-ms=-1"},
		"jitter_ms":                {"--jitter-ms=-5"},
		"max_cacheable_body_bytes": {"--max-cacheable-body-bytes=lots"},
		"max_request_body_bytes":   {"--max-request-body-bytes=0"},
		"mode":                     {"--mode=shadow"},
		"exclude_paths":            {"--exclude-paths=/v1/[oops"},
	}
	for want, args := range cases {
		want, args := want, args
		t.Run(want, func(t *testing.T) {
			t.Parallel()
			_, err := LoadIdempotencyConfig(newViper(t, args...), "")
			if err == nil || !strings.Contains(err.Error(), want) {
				t.Fatalf("expected error mentioning %s, got %v", want, err)
			}
		})
	}
}

func TestReadConfigFile_LayersUnderFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guardrail.yaml")
	body := "mode: observe\nexclude_paths:\n  - /v1/batch/*\nlisten: \":7000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write err=%v", err)
	}

	v := newViper(t, "--config="+path, "--listen=:7001")
	used, err := ReadConfigFile(v)
	if err != nil {
		t.Fatalf("read err=%v", err)
	}
	if used != path {
		t.Fatalf("used = %q", used)
	}

	p, err := LoadPolicy(v)
	if err != nil {
		t.Fatalf("policy err=%v", err)
	}
	if p.Mode != appidem.ModeObserve || len(p.ExcludePaths) != 1 || p.ExcludePaths[0] != "/v1/batch/*" {
		t.Fatalf("file not applied: %+v", p)
	}
	srv, err := LoadServerConfig(v)
	if err != nil {
		t.Fatalf("server err=%v", err)
	}
	if srv.Listen != ":7001" {
		t.Fatalf("explicit flag should win over file, got %q", srv.Listen)
	}
}

func TestReadConfigFile_NoneConfigured(t *testing.T) {
	t.Parallel()

	used, err := ReadConfigFile(newViper(t))
	if err != nil || used != "" {
		t.Fatalf("expected no-op, got used=%q err=%v", used, err)
	}
}
