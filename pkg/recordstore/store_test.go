package recordstore

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/deviceingest/pkg/record"
)

func TestToRow(t *testing.T) {
	r := record.Record{
		record.FieldGroupID:  "g1",
		record.FieldType:     "cbg",
		record.FieldDeviceID: "dev-1",
		record.FieldTime:     "2024-03-01T10:15:00+01:00",
		record.FieldSource:   "dexcom",
		"value":              5.4,
	}

	row, err := ToRow(r)
	require.NoError(t, err)
	assert.Equal(t, "g1", row.GroupID)
	assert.Equal(t, "cbg", row.Type)
	assert.Equal(t, "dev-1", row.DeviceID)
	assert.Equal(t, "dexcom", row.Source)
	require.NotNil(t, row.Time)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC), *row.Time)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(row.Payload, &decoded))
	assert.Equal(t, 5.4, decoded["value"])
}

func TestToRow_NoTime(t *testing.T) {
	row, err := ToRow(record.Record{record.FieldGroupID: "g1", record.FieldType: "note"})
	require.NoError(t, err)
	assert.Nil(t, row.Time)
}

func TestToRows_MissingGroup(t *testing.T) {
	_, err := ToRows([]record.Record{
		{record.FieldGroupID: "g1"},
		{record.FieldType: "cbg"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingGroupID))
	assert.Contains(t, err.Error(), "record 1")
}
