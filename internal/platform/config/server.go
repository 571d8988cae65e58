package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

const EnvironmentProduction = "production"

type ServerConfig struct {
	Listen      string
	Environment string

	StorageBackend string
	DatabaseURL    string
	RedisURL       string
	RecentCapacity int

	// UpstreamURL is the policy API that executed requests are proxied to.
	UpstreamURL *url.URL

	AdminToken    string
	TenantHeader  string
	SubjectHeader string
	DefaultTenant string

	LogLevel  string
	LogFormat string

	SweepInterval  time.Duration
	StaleRetention time.Duration
}

func (c ServerConfig) Production() bool {
	return c.Environment == EnvironmentProduction
}

func LoadServerConfig(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:         strings.TrimSpace(v.GetString(KeyListen)),
		Environment:    strings.ToLower(strings.TrimSpace(v.GetString(KeyEnvironment))),
		StorageBackend: strings.ToLower(strings.TrimSpace(v.GetString(KeyStorageBackend))),
		DatabaseURL:    strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		RedisURL:       strings.TrimSpace(v.GetString(KeyRedisURL)),
		RecentCapacity: v.GetInt(KeyRecentCapacity),
		AdminToken:     strings.TrimSpace(v.GetString(KeyAdminToken)),
		TenantHeader:   strings.TrimSpace(v.GetString(KeyTenantHeader)),
		SubjectHeader:  strings.TrimSpace(v.GetString(KeySubjectHeader)),
		DefaultTenant:  strings.TrimSpace(v.GetString(KeyDefaultTenant)),
		LogLevel:       strings.TrimSpace(v.GetString(KeyLogLevel)),
		LogFormat:      strings.TrimSpace(v.GetString(KeyLogFormat)),
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = "X-Tenant-ID"
	}
	if cfg.SubjectHeader == "" {
		cfg.SubjectHeader = "X-Subject-ID"
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}

	switch cfg.StorageBackend {
	case "", BackendMemory:
		cfg.StorageBackend = BackendMemory
	case BackendRedis:
		if cfg.RedisURL == "" {
			return ServerConfig{}, fmt.Errorf("redis_url is required when storage_backend is redis")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return ServerConfig{}, fmt.Errorf("database_url is required when storage_backend is postgres")
		}
	default:
		return ServerConfig{}, fmt.Errorf("storage_backend must be one of memory, redis, postgres (got %q)", cfg.StorageBackend)
	}

	if cfg.RecentCapacity <= 0 {
		return ServerConfig{}, fmt.Errorf("recent_capacity must be > 0")
	}

	if raw := strings.TrimSpace(v.GetString(KeyUpstreamURL)); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ServerConfig{}, fmt.Errorf("upstream_url must be an absolute URL (e.g. http://policy:8081)")
		}
		cfg.UpstreamURL = u
	}

	var err error
	if cfg.SweepInterval, err = durationValue(v, KeySweepInterval); err != nil {
		return ServerConfig{}, err
	}
	if cfg.StaleRetention, err = durationValue(v, KeyStaleRetention); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a duration (e.g. 30s)", key)
	}
	return d, nil
}
