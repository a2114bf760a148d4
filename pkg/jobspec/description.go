// Package jobspec provides loading and validation of ingest job descriptions.
//
// A job description names the user group whose data is being replaced and,
// for each external device-data source, an opaque source configuration. The
// presence of a source key enables that source for the run.
//
// Example (JSON):
//
//	{
//	  "groupId": "g1",
//	  "carelink": {"username": "u", "password": "p"},
//	  "dexcom": {"stagingFile": "/var/spool/uploads/g1/*.csv"}
//	}
package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SourceKey identifies one of the fixed external data sources.
type SourceKey string

const (
	Carelink SourceKey = "carelink"
	Diasend  SourceKey = "diasend"
	Tconnect SourceKey = "tconnect"
	Dexcom   SourceKey = "dexcom"
)

// String returns the string representation of the source key.
func (k SourceKey) String() string {
	return string(k)
}

// Keys returns the closed set of source keys in their canonical order.
func Keys() []SourceKey {
	return []SourceKey{Carelink, Diasend, Tconnect, Dexcom}
}

// IsKnown reports whether k is one of the fixed source keys.
func (k SourceKey) IsKnown() bool {
	for _, known := range Keys() {
		if k == known {
			return true
		}
	}
	return false
}

// ErrMissingGroupID indicates the job description has no groupId.
var ErrMissingGroupID = errors.New("groupId is required")

// SourceConfig is an opaque, source-specific credential/option bag.
//
// It holds the raw JSON object from the job description. A JSON null is
// treated the same as an absent key.
type SourceConfig []byte

// UnmarshalJSON keeps the raw bytes; null yields an absent config.
func (c *SourceConfig) UnmarshalJSON(data []byte) error {
	if c == nil {
		return errors.New("jobspec: UnmarshalJSON on nil SourceConfig")
	}
	if strings.TrimSpace(string(data)) == "null" {
		*c = nil
		return nil
	}
	*c = append((*c)[:0], data...)
	return nil
}

// MarshalJSON returns the raw bytes, or null when absent.
func (c SourceConfig) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

// Present reports whether the source was configured.
func (c SourceConfig) Present() bool {
	return len(c) > 0
}

// Decode unmarshals the config into v.
func (c SourceConfig) Decode(v any) error {
	if !c.Present() {
		return errors.New("source config is absent")
	}
	if err := json.Unmarshal(c, v); err != nil {
		return fmt.Errorf("decode source config: %w", err)
	}
	return nil
}

// Description is one ingest job. It is immutable for the lifetime of a run.
type Description struct {
	GroupID  string       `json:"groupId"`
	Carelink SourceConfig `json:"carelink,omitempty"`
	Diasend  SourceConfig `json:"diasend,omitempty"`
	Tconnect SourceConfig `json:"tconnect,omitempty"`
	Dexcom   SourceConfig `json:"dexcom,omitempty"`
}

// Source returns the configuration for key, or nil when absent or unknown.
func (d *Description) Source(key SourceKey) SourceConfig {
	if d == nil {
		return nil
	}
	switch key {
	case Carelink:
		return d.Carelink
	case Diasend:
		return d.Diasend
	case Tconnect:
		return d.Tconnect
	case Dexcom:
		return d.Dexcom
	default:
		return nil
	}
}

// Configured returns the keys whose configuration is present, in canonical order.
func (d *Description) Configured() []SourceKey {
	var keys []SourceKey
	for _, k := range Keys() {
		if d.Source(k).Present() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate checks the invariants the ingest runner relies on.
func (d *Description) Validate() error {
	if d == nil || strings.TrimSpace(d.GroupID) == "" {
		return ErrMissingGroupID
	}
	return nil
}
