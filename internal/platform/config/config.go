// Package config binds flags, GUARDRAIL_* environment variables and an optional config file
// into typed settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "GUARDRAIL"

// Configuration keys. Flags use the same names with dashes.
const (
	KeyConfigFile     = "config"
	KeyListen         = "listen"
	KeyEnvironment    = "environment"
	KeyStorageBackend = "storage_backend"
	KeyDatabaseURL    = "database_url"
	KeyRedisURL       = "redis_url"
	KeyUpstreamURL    = "upstream_url"
	KeyRecentCapacity = "recent_capacity"
	KeyAdminToken     = "admin_token"
	KeyTenantHeader   = "tenant_header"
	KeySubjectHeader  = "subject_header"
	KeyDefaultTenant  = "default_tenant"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeySweepInterval  = "sweep_interval"
	KeyStaleRetention = "stale_retention"

	KeyMode                  = "mode"
	KeyEnforceMethods        = "enforce_methods"
	KeyExcludePaths          = "exclude_paths"
	KeyLockTTLSeconds        = "lock_ttl_seconds"
	KeyWaitBudgetMS          = "wait_budget_ms"
	KeyJitterMS              = "jitter_ms"
	KeyStrictFailClosed      = "strict_fail_closed"
	KeyTouchOnReplay         = "touch_on_replay"
	KeyMaxCacheableBodyBytes = "max_cacheable_body_bytes"
	KeyMaxRequestBodyBytes   = "max_request_body_bytes"
	KeyRejectInvalidKeys     = "reject_invalid_keys"
	KeyVolatileFields        = "volatile_fields"
)

// RegisterFlags declares every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagName(KeyConfigFile), "", "path to a YAML/JSON/TOML config file (watched for policy changes)")
	fs.String(flagName(KeyListen), ":8080", "HTTP listen address")
	fs.String(flagName(KeyEnvironment), "development", "deployment environment (production enforces a lock ttl floor)")
	fs.String(flagName(KeyStorageBackend), BackendMemory, "entry store backend: memory, redis or postgres")
	fs.String(flagName(KeyDatabaseURL), "", "postgres connection string")
	fs.String(flagName(KeyRedisURL), "", "redis URL, e.g. redis://localhost:6379/0")
	fs.String(flagName(KeyUpstreamURL), "", "policy API the coordinator forwards executed requests to")
	fs.Int(flagName(KeyRecentCapacity), 100, "recent activity ring size per tenant")
	fs.String(flagName(KeyAdminToken), "", "bearer token required on /admin routes (empty disables the check)")
	fs.String(flagName(KeyTenantHeader), "X-Tenant-ID", "request header carrying the tenant")
	fs.String(flagName(KeySubjectHeader), "X-Subject-ID", "request header carrying the caller subject")
	fs.String(flagName(KeyDefaultTenant), "default", "tenant used when the tenant header is absent")
	fs.String(flagName(KeyLogLevel), "info", "log level")
	fs.String(flagName(KeyLogFormat), "json", "log format: json or console")
	fs.Duration(flagName(KeySweepInterval), time.Minute, "how often expired entries are swept (0 disables)")
	fs.Duration(flagName(KeyStaleRetention), time.Hour, "how long expired entries are kept for stuck-lock inspection")

	fs.String(flagName(KeyMode), "enforce", "rollout mode: off, observe or enforce")
	fs.StringSlice(flagName(KeyEnforceMethods), []string{"POST"}, "HTTP methods that are coordinated")
	fs.StringSlice(flagName(KeyExcludePaths), nil, "path globs that are never coordinated")
	fs.Int(flagName(KeyLockTTLSeconds), 120, "lease and stored response ttl in seconds")
	fs.Int(flagName(KeyWaitBudgetMS), 2000, "follower wait budget in milliseconds")
	fs.Int(flagName(KeyJitterMS), 50, "follower poll jitter in milliseconds")
	fs.Bool(flagName(KeyStrictFailClosed), false, "surface backend and wait failures as 503 instead of executing")
	fs.Bool(flagName(KeyTouchOnReplay), false, "refresh the entry ttl whenever a replay is served")
	fs.String(flagName(KeyMaxCacheableBodyBytes), "1MiB", "largest response body that is cached for replay")
	fs.String(flagName(KeyMaxRequestBodyBytes), "4MiB", "largest request body that is coordinated; bigger requests pass through")
	fs.Bool(flagName(KeyRejectInvalidKeys), false, "reject malformed Idempotency-Key headers with 400")
	fs.StringSlice(flagName(KeyVolatileFields), nil, "JSON fields ignored by the fingerprint (default: timestamp, ts, nonce, ...)")
}

// Bind wires v to fs, the GUARDRAIL_ environment and nothing else; call ReadConfigFile
// afterwards to layer a file underneath.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(keyName(f.Name), f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return nil
}

// ReadConfigFile loads the file named by the config key, if any.
func ReadConfigFile(v *viper.Viper) (string, error) {
	path := strings.TrimSpace(v.GetString(KeyConfigFile))
	if path == "" {
		return "", nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config %s: %w", path, err)
	}
	return v.ConfigFileUsed(), nil
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func keyName(flag string) string { return strings.ReplaceAll(flag, "-", "_") }

// stringList accepts either a list or a single comma separated value (as env vars carry).
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
