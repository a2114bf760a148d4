package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/deviceingest/pkg/recordstore"
)

// BeginRun inserts a run row in running status.
func (s *Store) BeginRun(ctx context.Context, run recordstore.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	status := run.Status
	if status == "" {
		status = recordstore.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs
		 (run_id, group_id, started_at, status, phase, record_count, sources)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		run.RunID, run.GroupID, formatTime(started), string(status), run.Phase,
		strings.Join(run.Sources, ","))
	if err != nil {
		return fmt.Errorf("create ingest_run: %w", err)
	}
	return nil
}

// RecordEvent appends an event to a run.
func (s *Store) RecordEvent(ctx context.Context, ev recordstore.RunEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_run_events
		 (event_id, run_id, occurred_at, event_type, source, count, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, formatTime(ev.OccurredAt), string(ev.EventType),
		nullString(ev.Source), ev.Count, nullString(ev.Detail))
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, res recordstore.RunResult) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs
		 SET ended_at = ?, status = ?, phase = ?, reason = ?, record_count = ?
		 WHERE run_id = ?`,
		formatTime(time.Now()), string(res.Status), res.Phase, nullString(res.Reason),
		res.RecordCount, runID)
	if err != nil {
		return fmt.Errorf("finish ingest_run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish ingest_run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ingest_run not found: %s", runID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*recordstore.Run, error) {
	var (
		run       recordstore.Run
		startedAt string
		endedAt   sql.NullString
		status    string
		phase     sql.NullString
		reason    sql.NullString
		sources   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, group_id, started_at, ended_at, status, phase, reason, record_count, sources
		 FROM ingest_runs WHERE run_id = ?`, runID).Scan(
		&run.RunID, &run.GroupID, &startedAt, &endedAt, &status, &phase, &reason,
		&run.RecordCount, &sources)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ingest_run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get ingest_run: %w", err)
	}

	if t := parseTime(sql.NullString{String: startedAt, Valid: true}); t != nil {
		run.StartedAt = *t
	}
	run.EndedAt = parseTime(endedAt)
	run.Status = recordstore.RunStatus(status)
	run.Phase = phase.String
	run.Reason = reason.String
	if sources.String != "" {
		run.Sources = strings.Split(sources.String, ",")
	}
	return &run, nil
}

// ListRunEvents returns a run's events in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]recordstore.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, occurred_at, event_type, source, count, detail
		 FROM ingest_run_events WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []recordstore.RunEvent
	for rows.Next() {
		var (
			ev         recordstore.RunEvent
			occurredAt string
			eventType  string
			source     sql.NullString
			detail     sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.RunID, &occurredAt, &eventType, &source, &ev.Count, &detail); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if t := parseTime(sql.NullString{String: occurredAt, Valid: true}); t != nil {
			ev.OccurredAt = *t
		}
		ev.EventType = recordstore.EventType(eventType)
		ev.Source = source.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
