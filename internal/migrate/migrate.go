// Package migrate wraps pressly/goose/v3 for schema migrations and
// hosts the one-shot collision-group backfill invoked via
// `cmd/ingestor -mode migrate`.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/ossmail/ingestor/internal/storage/postgres"
)

// Up applies every pending migration under dir (db/migrations in
// production use). Down migrations are intentionally unsupported: a
// schema rollback on this system means restoring from a database
// backup, not replaying inverse SQL.
func Up(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// BackfillCollisionGroups resolves messages inserted before collision
// grouping existed: every (tenant, fingerprint_version) group with more
// than one distinct signature gets its members merged under a shared
// collision_group_id, using the same grouping logic as the live upsert
// path. Intended to be run once, via `cmd/ingestor -mode migrate
// -backfill-collisions`.
func BackfillCollisionGroups(ctx context.Context, repo *postgres.CanonicalRepo, pool *pgxpool.Pool) (int, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate: begin backfill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := repo.BackfillCollisionGroups(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("migrate: backfill collision groups: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("migrate: commit backfill: %w", err)
	}
	return n, nil
}
