// Package record defines the normalized event record exchanged between parser
// adapters, the ingest merger and the record stores.
//
// A Record is an open JSON object. Parser adapters decide its payload; the
// ingest merger guarantees that every record it emits carries a groupId.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known record fields.
const (
	FieldGroupID  = "groupId"
	FieldType     = "type"
	FieldDeviceID = "deviceId"
	FieldTime     = "time"
	FieldTimezone = "timezone"
	FieldUploadID = "uploadId"
	FieldByUser   = "byUser"
	FieldVersion  = "version"
	FieldSource   = "source"
)

// Record is a single normalized device event.
type Record map[string]any

// New returns an empty record.
func New() Record {
	return make(Record)
}

// String returns the string value of field, or "" when absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// GroupID returns the record's group identifier.
func (r Record) GroupID() string {
	return r.String(FieldGroupID)
}

// Type returns the record's event type.
func (r Record) Type() string {
	return r.String(FieldType)
}

// DeviceID returns the record's device identifier.
func (r Record) DeviceID() string {
	return r.String(FieldDeviceID)
}

// Source returns the source key that produced the record.
func (r Record) Source() string {
	return r.String(FieldSource)
}

// Tag sets the record's groupId, replacing any value the adapter produced.
func (r Record) Tag(groupID string) Record {
	r[FieldGroupID] = groupID
	return r
}

// SetDefault sets field to value only when the field is absent or empty.
func (r Record) SetDefault(field, value string) {
	if value == "" {
		return
	}
	if existing, ok := r[field]; ok && existing != nil && existing != "" {
		return
	}
	r[field] = value
}

// Time parses the record's time field.
//
// The second return value is false when the field is absent or unparseable.
func (r Record) Time() (time.Time, bool) {
	raw := strings.TrimSpace(r.String(FieldTime))
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Payload returns the JSON encoding of the record.
func (r Record) Payload() ([]byte, error) {
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// Decode parses a JSON object into a Record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode record: not a JSON object")
	}
	return r, nil
}
