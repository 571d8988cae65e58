package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
)

// ProductionMinLockTTL is the lowest lock ttl accepted in production; smaller values are raised.
const ProductionMinLockTTL = 120 * time.Second

type IdempotencyConfig struct {
	Policy      appidem.Policy
	Coordinator appidem.Config
	// VolatileFields is nil when the fingerprinter defaults apply.
	VolatileFields []string
	// LockTTLClamped is set when the configured ttl was raised to ProductionMinLockTTL.
	LockTTLClamped bool
}

func LoadIdempotencyConfig(v *viper.Viper, environment string) (IdempotencyConfig, error) {
	policy, err := LoadPolicy(v)
	if err != nil {
		return IdempotencyConfig{}, err
	}

	cfg := IdempotencyConfig{
		Policy: policy,
		Coordinator: appidem.Config{
			StrictFailClosed:  v.GetBool(KeyStrictFailClosed),
			TouchOnReplay:     v.GetBool(KeyTouchOnReplay),
			RejectInvalidKeys: v.GetBool(KeyRejectInvalidKeys),
		},
		VolatileFields: stringList(v, KeyVolatileFields),
	}

	ttlSeconds, err := positiveInt(v, KeyLockTTLSeconds)
	if err != nil {
		return IdempotencyConfig{}, err
	}
	cfg.Coordinator.LockTTL = time.Duration(ttlSeconds) * time.Second
	if strings.EqualFold(strings.TrimSpace(environment), EnvironmentProduction) && cfg.Coordinator.LockTTL < ProductionMinLockTTL {
		cfg.Coordinator.LockTTL = ProductionMinLockTTL
		cfg.LockTTLClamped = true
	}

	waitMS, err := positiveInt(v, KeyWaitBudgetMS)
	if err != nil {
		return IdempotencyConfig{}, err
	}
	cfg.Coordinator.WaitBudget = time.Duration(waitMS) * time.Millisecond

	jitterMS := v.GetInt(KeyJitterMS)
	if jitterMS < 0 {
		return IdempotencyConfig{}, fmt.Errorf("%s must be >= 0", KeyJitterMS)
	}
	cfg.Coordinator.Jitter = time.Duration(jitterMS) * time.Millisecond

	if cfg.Coordinator.MaxCacheableBodyBytes, err = sizeValue(v, KeyMaxCacheableBodyBytes, appidem.DefaultMaxCacheableBodyBytes); err != nil {
		return IdempotencyConfig{}, err
	}
	if cfg.Coordinator.MaxRequestBodyBytes, err = sizeValue(v, KeyMaxRequestBodyBytes, appidem.DefaultMaxRequestBodyBytes); err != nil {
		return IdempotencyConfig{}, err
	}
	return cfg, nil
}

// LoadPolicy reads only the reloadable part of the configuration.
func LoadPolicy(v *viper.Viper) (appidem.Policy, error) {
	mode, err := appidem.ParseMode(v.GetString(KeyMode))
	if err != nil {
		return appidem.Policy{}, err
	}
	p := appidem.Policy{
		Mode:           mode,
		EnforceMethods: stringList(v, KeyEnforceMethods),
		ExcludePaths:   stringList(v, KeyExcludePaths),
	}.Normalize()
	if len(p.EnforceMethods) == 0 {
		p.EnforceMethods = appidem.DefaultPolicy().EnforceMethods
	}
	if err := p.Validate(); err != nil {
		return appidem.Policy{}, err
	}
	return p, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer (got %q)", key, raw)
	}
	return n, nil
}

// sizeValue parses a humanized byte size such as 1MiB; empty means def.
func sizeValue(v *viper.Viper, key string, def int64) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%s must be a size (e.g. 1MiB or 65536)", key)
	}
	return int64(n), nil
}
