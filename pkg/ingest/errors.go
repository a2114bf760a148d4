package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// Kind classifies a job-ending error. Every kind is terminal.
type Kind string

const (
	KindConfig        Kind = "config"
	KindUnknownSource Kind = "unknown_source"
	KindFetch         Kind = "fetch"
	KindParse         Kind = "parse"
	KindEmptyResult   Kind = "empty_result"
	KindPersistence   Kind = "persistence"
)

// Sentinel errors for ingest runs.
var (
	// ErrMissingGroupID indicates the job description has no groupId.
	ErrMissingGroupID = jobspec.ErrMissingGroupID

	// ErrUnknownSource indicates a location whose source has no adapter.
	ErrUnknownSource = sources.ErrUnknownSource

	// ErrNoResults indicates the merged record collection was empty.
	ErrNoResults = errors.New("no records produced")
)

// JobError wraps a stage failure with its kind and context.
type JobError struct {
	// Kind is the error class.
	Kind Kind

	// Source is the source key involved, if any.
	Source jobspec.SourceKey

	// Op is the failing step within the stage (e.g., "save", "delete").
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	parts := []string{string(e.Kind)}
	if e.Source != "" {
		parts = append(parts, string(e.Source))
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Err == nil {
		return strings.Join(parts, ": ")
	}
	return strings.Join(parts, ": ") + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *JobError) Unwrap() error {
	return e.Err
}

// Reason is the string written to the error artifact ("<kind>: <message>").
func (e *JobError) Reason() string {
	return e.Error()
}

// ReasonOf returns the artifact reason for any error.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Reason()
	}
	return fmt.Sprintf("internal: %v", err)
}

// KindOf returns the error's kind, or "" for errors raised outside a stage.
func KindOf(err error) Kind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ""
}

// IsConfig returns true if the error is a job configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsUnknownSource returns true if a location had no registered adapter.
func IsUnknownSource(err error) bool { return KindOf(err) == KindUnknownSource }

// IsFetch returns true if a source fetch failed.
func IsFetch(err error) bool { return KindOf(err) == KindFetch }

// IsParse returns true if a parser failed mid-sequence.
func IsParse(err error) bool { return KindOf(err) == KindParse }

// IsEmptyResult returns true if the run produced no records.
func IsEmptyResult(err error) bool { return KindOf(err) == KindEmptyResult }

// IsPersistence returns true if the record store failed.
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }
