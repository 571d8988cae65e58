package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order; a version is never edited once released.
var migrations = []string{
	1: `
CREATE TABLE IF NOT EXISTS idempotency_entries (
  tenant_id     TEXT        NOT NULL,
  idem_key      TEXT        NOT NULL,
  state         TEXT        NOT NULL,
  owner_token   TEXT        NOT NULL,
  fingerprint   TEXT        NOT NULL,
  status_code   INTEGER,
  headers       JSONB,
  content_type  TEXT,
  body          BYTEA,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL,
  expires_at    TIMESTAMPTZ NOT NULL,
  ttl_ms        BIGINT      NOT NULL,
  replay_count  BIGINT      NOT NULL DEFAULT 0,
  CONSTRAINT idempotency_entries_pkey PRIMARY KEY (tenant_id, idem_key),
  CONSTRAINT idempotency_entries_state_check CHECK (state IN ('in_progress', 'stored', 'released'))
);

CREATE INDEX IF NOT EXISTS idx_idempotency_entries_expires_at ON idempotency_entries (expires_at);

CREATE TABLE IF NOT EXISTS idempotency_recent (
  tenant_id     TEXT        NOT NULL,
  idem_key      TEXT        NOT NULL,
  first_seen_at TIMESTAMPTZ NOT NULL,
  last_seen_at  TIMESTAMPTZ NOT NULL,
  CONSTRAINT idempotency_recent_pkey PRIMARY KEY (tenant_id, idem_key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_recent_last_seen ON idempotency_recent (tenant_id, last_seen_at DESC);
`,
}

// LatestSchemaVersion is the highest migration version known to this binary.
func LatestSchemaVersion() int { return len(migrations) - 1 }

// Migrate brings the schema up to LatestSchemaVersion. It is safe to call concurrently
// from several instances: an advisory lock serializes them.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('idempotency_schema_migrations'))`); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version    INTEGER PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`); err != nil {
			return err
		}

		var cur int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&cur); err != nil {
			return err
		}
		for v := cur + 1; v <= LatestSchemaVersion(); v++ {
			if _, err := tx.Exec(ctx, migrations[v]); err != nil {
				return fmt.Errorf("migration v%d failed: %w", v, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, v); err != nil {
				return err
			}
		}
		return nil
	})
}
