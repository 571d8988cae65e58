package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/httpapi"
	memidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/memory/idempotency"
	postgres "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/postgres"
	pgidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/postgres/idempotency"
	redisidempotency "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/adapters/redis/idempotency"
	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/config"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/logging"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/metrics"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, v *viper.Viper) error {
	srvCfg, err := config.LoadServerConfig(v)
	if err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	log, err := logging.New(srvCfg.LogLevel, srvCfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	idemCfg, err := config.LoadIdempotencyConfig(v, srvCfg.Environment)
	if err != nil {
		return fmt.Errorf("invalid idempotency config: %w", err)
	}
	if idemCfg.LockTTLClamped {
		log.Warn().
			Dur("lock_ttl", idemCfg.Coordinator.LockTTL).
			Msg("lock_ttl_seconds below the production floor; raised")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, closeStore, err := openStore(ctx, srvCfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if d, ok := store.(idempotencyport.RecentDepther); ok {
		if err := m.RegisterRecentDepth(reg, d); err != nil {
			return fmt.Errorf("register recent depth: %w", err)
		}
	}

	coord := appidem.NewCoordinator(store, idemCfg.Coordinator,
		appidem.WithMetrics(m),
		appidem.WithLogger(log),
		appidem.WithFingerprinter(appidem.NewFingerprinter(idemCfg.VolatileFields)),
		appidem.WithPolicy(idemCfg.Policy),
	)
	admin := appidem.NewAdmin(store, m, log)

	if used := v.ConfigFileUsed(); used != "" {
		watchPolicy(v, coord, log.With().Str("config", used).Logger())
	}

	handler := httpapi.NewRouter(httpapi.RouterOptions{
		Coordinator: coord,
		Admin:       admin,
		Upstream:    newUpstream(srvCfg, log),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Identity: httpapi.IdentityOptions{
			TenantHeader:  srvCfg.TenantHeader,
			SubjectHeader: srvCfg.SubjectHeader,
			DefaultTenant: srvCfg.DefaultTenant,
		},
		AdminToken: srvCfg.AdminToken,
		Logger:     log,
	})

	srv := &http.Server{
		Addr:              srvCfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("listen", srvCfg.Listen).
			Str("storage_backend", srvCfg.StorageBackend).
			Str("mode", string(idemCfg.Policy.Mode)).
			Dur("lock_ttl", idemCfg.Coordinator.LockTTL).
			Dur("wait_budget", idemCfg.Coordinator.WaitBudget).
			Bool("strict_fail_closed", idemCfg.Coordinator.StrictFailClosed).
			Str("max_cacheable_body", humanBytes(idemCfg.Coordinator.MaxCacheableBodyBytes)).
			Msg("guardrail idempotency listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if sw, ok := store.(idempotencyport.Sweeper); ok && srvCfg.SweepInterval > 0 {
		loop := appidem.SweepLoop{
			Sweeper:   sw,
			Interval:  srvCfg.SweepInterval,
			Retention: srvCfg.StaleRetention,
			OnSwept:   m.Swept,
			Log:       log,
		}
		g.Go(func() error {
			loop.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMigrate(ctx context.Context, v *viper.Viper) error {
	srvCfg, err := config.LoadServerConfig(v)
	if err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if srvCfg.StorageBackend != config.BackendPostgres {
		return fmt.Errorf("migrate requires storage_backend=postgres (got %s)", srvCfg.StorageBackend)
	}
	log, err := logging.New(srvCfg.LogLevel, srvCfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, srvCfg.DatabaseURL, postgres.PoolOptions{})
	if err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info().Int("schema_version", postgres.LatestSchemaVersion()).Msg("postgres schema up to date")
	return nil
}

// openStore builds the EntryStore for the configured backend. The returned func releases
// its connections.
func openStore(ctx context.Context, cfg config.ServerConfig, log zerolog.Logger) (idempotencyport.EntryStore, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("invalid postgres config: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().Int("schema_version", postgres.LatestSchemaVersion()).Msg("postgres entry store ready")
		return pgidempotency.NewStore(pool, pgidempotency.WithRecentCapacity(cfg.RecentCapacity)), pool.Close, nil

	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("redis entry store ready")
		store := redisidempotency.NewStore(rdb,
			redisidempotency.WithRecentCapacity(cfg.RecentCapacity),
			redisidempotency.WithRetention(cfg.StaleRetention),
		)
		return store, func() { _ = rdb.Close() }, nil

	default:
		log.Warn().Msg("memory entry store: coordination is per instance only")
		return memidempotency.NewStore(memidempotency.WithRecentCapacity(cfg.RecentCapacity)), func() {}, nil
	}
}

// newUpstream proxies executed requests to the policy API.
func newUpstream(cfg config.ServerConfig, log zerolog.Logger) http.Handler {
	if cfg.UpstreamURL == nil {
		log.Warn().Msg("upstream_url not set; coordinated routes answer 502")
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		})
	}
	proxy := httputil.NewSingleHostReverseProxy(cfg.UpstreamURL)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

// watchPolicy reloads mode, methods and excluded paths when the config file changes.
// Everything else needs a restart.
func watchPolicy(v *viper.Viper, coord *appidem.Coordinator, log zerolog.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		p, err := config.LoadPolicy(v)
		if err != nil {
			log.Error().Err(err).Msg("config reload rejected; keeping current policy")
			return
		}
		if err := coord.SetPolicy(p); err != nil {
			log.Error().Err(err).Msg("config reload rejected; keeping current policy")
		}
	})
	v.WatchConfig()
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
