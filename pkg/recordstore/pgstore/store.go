// Package pgstore is a PostgreSQL record store built on pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS device_records (
    record_id BIGSERIAL PRIMARY KEY,
    group_id TEXT NOT NULL,
    type TEXT NOT NULL,
    device_id TEXT NOT NULL,
    event_time TIMESTAMPTZ,
    source TEXT NOT NULL,
    payload JSONB NOT NULL,
    stored_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_device_records_group ON device_records(group_id);
CREATE INDEX IF NOT EXISTS idx_device_records_group_time ON device_records(group_id, event_time);
`

var recordColumns = []string{"group_id", "type", "device_id", "event_time", "source", "payload"}

// Config configures the Postgres store.
type Config struct {
	// DSN is a postgres:// connection string.
	DSN string

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("postgres dsn is required")
	}
	if c.MaxConns < 0 {
		return errors.New("postgres max conns must be >= 0")
	}
	return nil
}

// Store persists records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ recordstore.Store    = (*Store)(nil)
	_ recordstore.Replacer = (*Store)(nil)
)

// Open creates the pool, pings the server and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create device_records: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// DeleteData removes every record for groupID.
func (s *Store) DeleteData(ctx context.Context, groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return recordstore.ErrMissingGroupID
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM device_records WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("delete records for %s: %w", groupID, err)
	}
	return nil
}

// StoreData bulk-loads records with COPY.
func (s *Store) StoreData(ctx context.Context, records []record.Record) error {
	rows, err := copyRows(records)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"device_records"}, recordColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy records: %w", err)
	}
	return nil
}

// ReplaceData deletes and reloads a group inside one transaction.
func (s *Store) ReplaceData(ctx context.Context, groupID string, records []record.Record) error {
	if strings.TrimSpace(groupID) == "" {
		return recordstore.ErrMissingGroupID
	}
	rows, err := copyRows(records)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM device_records WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("delete records for %s: %w", groupID, err)
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"device_records"}, recordColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy records: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// copyRows maps records onto recordColumns order.
func copyRows(records []record.Record) ([][]any, error) {
	rows, err := recordstore.ToRows(records)
	if err != nil {
		return nil, err
	}
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{r.GroupID, r.Type, r.DeviceID, r.Time, r.Source, string(r.Payload)})
	}
	return out, nil
}
