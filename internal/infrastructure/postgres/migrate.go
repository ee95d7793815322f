package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamenight/scheduler/internal/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

//go:embed migrations/down/*.sql
var downFS embed.FS

// Migrate applies embedded migrations in lexical order. Applied versions
// are fenced through schema_migrations, so reruns are no-ops. Forward
// only: there is no down path in production.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log := logger.Logger.With().Str("component", "migrate").Logger()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}

		// The insert doubles as an advisory fence: a concurrent
		// bootstrap run blocks here until the first one commits.
		tag, err := tx.Exec(ctx, `
			INSERT INTO schema_migrations (version) VALUES ($1)
			ON CONFLICT DO NOTHING
		`, name)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			_ = tx.Rollback(ctx)
			continue // already applied
		}

		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		log.Info().Str("version", name).Msg("migration applied")
	}

	return nil
}

// RollbackDev unwinds every applied migration in reverse order. For
// development databases only; production is forward-only.
func RollbackDev(ctx context.Context, pool *pgxpool.Pool) error {
	log := logger.Logger.With().Str("component", "migrate").Logger()

	entries, err := fs.ReadDir(downFS, "migrations/down")
	if err != nil {
		return fmt.Errorf("read down migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })

	for _, e := range entries {
		name := e.Name()

		content, err := downFS.ReadFile("migrations/down/" + name)
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("apply down migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, name); err != nil {
			return fmt.Errorf("unrecord migration %s: %w", name, err)
		}

		log.Warn().Str("version", name).Msg("migration rolled back")
	}

	return nil
}
