package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/platform/config"
)

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "guardrail-idempotency",
		Short:         "Idempotency and single-flight coordination in front of the guardrail policy API",
		SilenceErrors: true,
		Example: `
  # Single instance, in-memory entries, forwarding to a local policy API
  guardrail-idempotency --upstream-url http://localhost:8081

  # Shared Redis across replicas, observe-only rollout
  GUARDRAIL_STORAGE_BACKEND=redis GUARDRAIL_REDIS_URL=redis://redis:6379/0 GUARDRAIL_MODE=observe guardrail-idempotency

  # Postgres with a watched config file for policy changes
  guardrail-idempotency --storage-backend postgres --database-url postgres://... --config /etc/guardrail/idempotency.yaml
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			_, err := config.ReadConfigFile(v)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), v)
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), v)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runMigrate(cmd.Context(), v)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printConfig(cmd, v)
		},
	})
	return cmd
}

func printConfig(cmd *cobra.Command, v *viper.Viper) error {
	srv, err := config.LoadServerConfig(v)
	if err != nil {
		return err
	}
	idem, err := config.LoadIdempotencyConfig(v, srv.Environment)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "listen=%s environment=%s storage_backend=%s recent_capacity=%d\n",
		srv.Listen, srv.Environment, srv.StorageBackend, srv.RecentCapacity)
	fmt.Fprintf(out, "mode=%s enforce_methods=%v exclude_paths=%v\n",
		idem.Policy.Mode, idem.Policy.EnforceMethods, idem.Policy.ExcludePaths)
	fmt.Fprintf(out, "lock_ttl=%s wait_budget=%s jitter=%s strict_fail_closed=%t touch_on_replay=%t max_cacheable_body=%s\n",
		idem.Coordinator.LockTTL, idem.Coordinator.WaitBudget, idem.Coordinator.Jitter,
		idem.Coordinator.StrictFailClosed, idem.Coordinator.TouchOnReplay, humanBytes(idem.Coordinator.MaxCacheableBodyBytes))
	return nil
}
