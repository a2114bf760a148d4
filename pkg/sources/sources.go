// Package sources holds the per-source fetch and parse adapters.
//
// Each source key in the job description maps to exactly one Adapter: a
// Fetcher that downloads the raw payload and a Parser that turns a stored
// payload into a lazy sequence of normalized records. Adapters are collected
// in a Registry that is validated once at startup.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
)

// Payload is a raw fetched payload.
type Payload struct {
	// Body streams the payload. The caller closes it.
	Body io.ReadCloser

	// Filename is a hint for the stored blob name (extension matters).
	Filename string

	// StagingFile is a local file the payload was read from, if any.
	// The fetch coordinator removes it once the payload is saved.
	StagingFile string
}

// Fetcher downloads one source's raw payload.
type Fetcher interface {
	Fetch(ctx context.Context, cfg jobspec.SourceConfig) (*Payload, error)
}

// Parser turns a raw payload into normalized records.
//
// The sequence is lazy, finite and not restartable. A non-nil error ends it.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error]
}

// Stager is an optional Fetcher capability for sources that read from a
// local staging file. The coordinator resolves the path before fetching so
// it can clean up even when the fetch fails.
type Stager interface {
	StagingPath(cfg jobspec.SourceConfig) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, cfg jobspec.SourceConfig) (*Payload, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, cfg jobspec.SourceConfig) (*Payload, error) {
	return f(ctx, cfg)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error]

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error] {
	return f(ctx, r, cfg)
}

// Settings are the option fields every built-in adapter understands.
// Unknown fields in the source config are ignored.
type Settings struct {
	URL         string `json:"url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Token       string `json:"token"`
	DeviceID    string `json:"deviceId"`
	UploadID    string `json:"uploadId"`
	Timezone    string `json:"timezone"`
	StagingFile string `json:"stagingFile"`
}

// DecodeSettings decodes the common adapter settings from cfg.
func DecodeSettings(cfg jobspec.SourceConfig) (Settings, error) {
	var s Settings
	if !cfg.Present() {
		return s, nil
	}
	if err := json.Unmarshal(cfg, &s); err != nil {
		return s, fmt.Errorf("decode source settings: %w", err)
	}
	return s, nil
}

// stamp applies the source key and config defaults to a parsed record.
func stamp(rec record.Record, source jobspec.SourceKey, s Settings) {
	rec[record.FieldSource] = source.String()
	rec.SetDefault(record.FieldDeviceID, s.DeviceID)
	rec.SetDefault(record.FieldUploadID, s.UploadID)
	rec.SetDefault(record.FieldTimezone, s.Timezone)
}

// fail returns a sequence that yields err once.
func fail(err error) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		yield(nil, err)
	}
}
