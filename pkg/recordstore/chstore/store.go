// Package chstore is a ClickHouse record store built on clickhouse-go.
package chstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS device_records (
	group_id String,
	type LowCardinality(String),
	device_id String,
	event_time Nullable(DateTime64(3, 'UTC')),
	source LowCardinality(String),
	payload String,
	stored_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (group_id, type, device_id)`

// DefaultDialTimeout bounds the initial connection.
const DefaultDialTimeout = 10 * time.Second

// Config configures the ClickHouse store.
type Config struct {
	// DSN is a clickhouse:// connection string.
	DSN string

	// DialTimeout overrides DefaultDialTimeout when positive.
	DialTimeout time.Duration
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("clickhouse dsn is required")
	}
	return nil
}

// Store persists records in ClickHouse.
//
// ClickHouse has no multi-statement transactions, so Store does not
// implement recordstore.Replacer; callers fall back to delete-then-store.
type Store struct {
	conn driver.Conn
}

var _ recordstore.Store = (*Store)(nil)

// Open connects, pings the server and ensures the table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create device_records: %w", err)
	}
	return &Store{conn: conn}, nil
}

func options(cfg Config) (*clickhouse.Options, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return opts, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// DeleteData issues a lightweight delete for groupID.
func (s *Store) DeleteData(ctx context.Context, groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return recordstore.ErrMissingGroupID
	}
	if err := s.conn.Exec(ctx, `DELETE FROM device_records WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete records for %s: %w", groupID, err)
	}
	return nil
}

// StoreData inserts records with a single batch.
func (s *Store) StoreData(ctx context.Context, records []record.Record) error {
	rows, err := batchRows(records, time.Now())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO device_records`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append record %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// batchRows maps records onto device_records column order.
func batchRows(records []record.Record, now time.Time) ([][]any, error) {
	rows, err := recordstore.ToRows(records)
	if err != nil {
		return nil, err
	}
	storedAt := now.UTC()
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{r.GroupID, r.Type, r.DeviceID, r.Time, r.Source, string(r.Payload), storedAt})
	}
	return out, nil
}
