package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
)

const insertRecordSQL = `INSERT INTO device_records
	 (group_id, type, device_id, event_time, source, payload, stored_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?)`

// DeleteData removes every record for groupID.
func (s *Store) DeleteData(ctx context.Context, groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return recordstore.ErrMissingGroupID
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_records WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete records for %s: %w", groupID, err)
	}
	return nil
}

// StoreData inserts records in a single transaction.
func (s *Store) StoreData(ctx context.Context, records []record.Record) error {
	rows, err := recordstore.ToRows(records)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRows(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ReplaceData deletes the group's records and inserts records atomically.
func (s *Store) ReplaceData(ctx context.Context, groupID string, records []record.Record) error {
	if strings.TrimSpace(groupID) == "" {
		return recordstore.ErrMissingGroupID
	}
	rows, err := recordstore.ToRows(records)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if row.GroupID != groupID {
			return fmt.Errorf("record %d belongs to group %q, not %q", i, row.GroupID, groupID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_records WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete records for %s: %w", groupID, err)
	}
	if err := insertRows(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, rows []recordstore.Row) error {
	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	storedAt := formatTime(time.Now())
	for i, row := range rows {
		var eventTime any
		if row.Time != nil {
			eventTime = formatTime(*row.Time)
		}
		if _, err := stmt.ExecContext(ctx,
			row.GroupID, row.Type, row.DeviceID, eventTime,
			row.Source, string(row.Payload), storedAt); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	return nil
}

// LoadData returns a group's records in insertion order.
func (s *Store) LoadData(ctx context.Context, groupID string) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM device_records WHERE group_id = ? ORDER BY record_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []record.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r, err := record.Decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// CountData returns the number of records stored for groupID.
func (s *Store) CountData(ctx context.Context, groupID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_records WHERE group_id = ?`, groupID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
