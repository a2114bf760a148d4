package pgstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
)

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{DSN: "postgres://x", MaxConns: -1}.Validate())
	assert.NoError(t, Config{DSN: "postgres://u:p@localhost:5432/db"}.Validate())
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "postgres://%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse postgres dsn")
}

func TestCopyRows(t *testing.T) {
	rows, err := copyRows([]record.Record{
		{
			record.FieldGroupID:  "g1",
			record.FieldType:     "cbg",
			record.FieldDeviceID: "d1",
			record.FieldTime:     "2024-03-01T10:00:00Z",
			record.FieldSource:   "tconnect",
		},
		{record.FieldGroupID: "g1", record.FieldType: "note"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Len(t, rows[0], len(recordColumns))

	assert.Equal(t, "g1", rows[0][0])
	ts, ok := rows[0][3].(*time.Time)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), *ts)
	assert.Equal(t, "tconnect", rows[0][4])

	assert.Nil(t, rows[1][3])

	_, err = copyRows([]record.Record{{record.FieldType: "cbg"}})
	assert.True(t, errors.Is(err, recordstore.ErrMissingGroupID))
}
