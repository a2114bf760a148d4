// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so job and record validation work the
// same regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobDescriptionSchema is the embedded job-description JSON schema.
//
//go:embed job-description.schema.json
var JobDescriptionSchema []byte

// EventRecordSchema is the embedded normalized event record JSON schema.
//
// Only field shapes are checked; source-specific payload fields pass through.
//
//go:embed event-record.schema.json
var EventRecordSchema []byte
