package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the record store schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS device_records (
			record_id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			type TEXT NOT NULL,
			device_id TEXT NOT NULL,
			-- event_time is RFC3339Nano UTC, NULL when the record has no parseable time.
			event_time TEXT,
			source TEXT NOT NULL,
			payload TEXT NOT NULL,
			stored_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_records_group ON device_records(group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_device_records_group_time ON device_records(group_id, event_time);`,

		`CREATE TABLE IF NOT EXISTS ingest_runs (
			run_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			phase TEXT,
			reason TEXT,
			record_count INTEGER NOT NULL DEFAULT 0,
			sources TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_runs_group ON ingest_runs(group_id, started_at);`,

		`CREATE TABLE IF NOT EXISTS ingest_run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			source TEXT,
			count INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			FOREIGN KEY(run_id) REFERENCES ingest_runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_run_events_run_id ON ingest_run_events(run_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
