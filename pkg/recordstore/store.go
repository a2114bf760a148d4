// Package recordstore defines the persisted-record store contract.
//
// A store holds normalized event records partitioned by group. The ingest
// runner only needs DeleteData, StoreData and Close; backends may expose
// optional capabilities (Replacer, Reader, RunRecorder) which callers detect
// with type assertions.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/deviceingest/pkg/record"
)

// Store is the minimal contract every record store implements.
type Store interface {
	// DeleteData removes every persisted record for groupID.
	DeleteData(ctx context.Context, groupID string) error

	// StoreData persists records. Each record carries its groupId.
	StoreData(ctx context.Context, records []record.Record) error

	// Close releases the underlying connection.
	Close() error
}

// Replacer is an optional capability: delete and insert for one group in a
// single transaction.
type Replacer interface {
	ReplaceData(ctx context.Context, groupID string, records []record.Record) error
}

// Reader is an optional capability for reading a group's records back.
type Reader interface {
	LoadData(ctx context.Context, groupID string) ([]record.Record, error)
}

// ErrMissingGroupID indicates a record without a groupId reached the store.
var ErrMissingGroupID = errors.New("record has no groupId")

// Row is the column projection shared by the SQL-backed stores.
type Row struct {
	GroupID  string
	Type     string
	DeviceID string
	Time     *time.Time
	Source   string
	Payload  []byte
}

// ToRow projects a record into storage columns.
//
// The full record is kept as the JSON payload; indexed columns are copied
// out for queries. A record without groupId is rejected.
func ToRow(r record.Record) (Row, error) {
	gid := r.GroupID()
	if gid == "" {
		return Row{}, ErrMissingGroupID
	}
	payload, err := r.Payload()
	if err != nil {
		return Row{}, fmt.Errorf("encode record payload: %w", err)
	}
	row := Row{
		GroupID:  gid,
		Type:     r.Type(),
		DeviceID: r.DeviceID(),
		Source:   r.Source(),
		Payload:  payload,
	}
	if ts, ok := r.Time(); ok {
		row.Time = &ts
	}
	return row, nil
}

// ToRows projects a batch of records, stopping at the first failure.
func ToRows(records []record.Record) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for i, r := range records {
		row, err := ToRow(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
