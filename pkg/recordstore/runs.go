package recordstore

import (
	"context"
	"time"
)

// RunStatus represents the status of an ingest run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently in progress.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates the run replaced the group's data.
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed indicates the run ended on an error.
	RunStatusFailed RunStatus = "failed"
)

// EventType identifies run event types.
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeSourceFetched EventType = "source_fetched"
	EventTypeSourceParsed  EventType = "source_parsed"
	EventTypeDataDeleted   EventType = "data_deleted"
	EventTypeDataStored    EventType = "data_stored"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
)

// Run is the provenance row for one ingest run.
type Run struct {
	RunID       string
	GroupID     string
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      RunStatus
	Phase       string
	Reason      string
	RecordCount int
	Sources     []string
}

// RunResult is the terminal state recorded by FinishRun.
type RunResult struct {
	Status      RunStatus
	Phase       string
	Reason      string
	RecordCount int
}

// RunEvent is one structured event within a run.
type RunEvent struct {
	EventID    string
	RunID      string
	OccurredAt time.Time
	EventType  EventType
	Source     string
	Count      int
	Detail     string
}

// RunRecorder is an optional capability for stores that keep a run log.
type RunRecorder interface {
	BeginRun(ctx context.Context, run Run) error
	RecordEvent(ctx context.Context, ev RunEvent) error
	FinishRun(ctx context.Context, runID string, res RunResult) error
}
