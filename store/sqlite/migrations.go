package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema migrations, applied in order. Each entry runs at most once;
// the applied version is tracked in watchtower_migrations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS watchtower_runs (
		id           TEXT PRIMARY KEY,
		subject_id   TEXT NOT NULL,
		status       TEXT NOT NULL,
		step         TEXT NOT NULL DEFAULT '',
		input        BLOB,
		text_ref     TEXT NOT NULL DEFAULT '',
		diffs        BLOB,
		score        REAL NOT NULL DEFAULT 0,
		alert_sent   INTEGER NOT NULL DEFAULT 0,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	// One live run per subject, enforced by the engine not the caller.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_watchtower_runs_live_subject
		ON watchtower_runs (subject_id)
		WHERE status IN ('pending', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_watchtower_runs_status
		ON watchtower_runs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS watchtower_checkpoints (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES watchtower_runs (id),
		step       TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		payload    BLOB,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (run_id, seq),
		UNIQUE (run_id, step)
	)`,
}

// Migrate brings the schema up to date. Safe to call on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS watchtower_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM watchtower_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO watchtower_migrations (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
