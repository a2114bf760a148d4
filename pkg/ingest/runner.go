// Package ingest orchestrates one device-data ingest job: fetch every
// configured source, merge the parsed records and replace the group's
// persisted data.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/pkg/blob"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/recordstore"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// Config holds the runner's tunables.
type Config struct {
	// ReplaceMode selects delete-first or staged replacement.
	ReplaceMode ReplaceMode

	// MergeBuffer is the merge channel capacity (default: 256).
	MergeBuffer int

	// DiscardBlobs deletes the fetched payloads once the run ends, when the
	// blob store supports deletion. Payloads saved by fetches that outlive a
	// failed fetch round are deleted as they land.
	DiscardBlobs bool
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Registry *sources.Registry
	Blobs    blob.Store
	Store    recordstore.Store
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Summary describes a finished run.
type Summary struct {
	RunID     string
	GroupID   string
	Phase     Phase
	Sources   []jobspec.SourceKey
	Blobs     []blob.Handle
	Records   int
	PerSource map[jobspec.SourceKey]int
	StartedAt time.Time
	Duration  time.Duration
}

// Runner executes ingest jobs against a fixed set of collaborators.
type Runner struct {
	cfg       Config
	deps      Deps
	fetch     *FetchCoordinator
	aggregate *Aggregator
	commit    *Committer
	logger    *zap.Logger
}

// NewRunner validates deps and returns a runner.
func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	if deps.Registry == nil {
		return nil, errors.New("ingest: source registry is required")
	}
	if err := deps.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if deps.Blobs == nil {
		return nil, errors.New("ingest: blob store is required")
	}
	if deps.Store == nil {
		return nil, errors.New("ingest: record store is required")
	}

	mode, err := ParseReplaceMode(string(cfg.ReplaceMode))
	if err != nil {
		return nil, err
	}
	cfg.ReplaceMode = mode

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		fetch: &FetchCoordinator{
			Registry: deps.Registry,
			Blobs:    deps.Blobs,
			Logger:   logger,
			Metrics:  deps.Metrics,
		},
		aggregate: &Aggregator{
			Registry: deps.Registry,
			Blobs:    deps.Blobs,
			Buffer:   cfg.MergeBuffer,
			Logger:   logger,
			Metrics:  deps.Metrics,
		},
		commit: &Committer{Records: deps.Store, Logger: logger},
	}
	if cfg.DiscardBlobs {
		r.fetch.Orphaned = func(loc Location) {
			r.discardBlobs(context.Background(), logger, []blob.Handle{loc.Handle})
		}
	}
	return r, nil
}

// Run executes one job and returns its summary.
//
// The summary is returned on failure too, carrying the phase reached.
func (r *Runner) Run(ctx context.Context, job *jobspec.Description) (*Summary, error) {
	if err := job.Validate(); err != nil {
		return nil, &JobError{Kind: KindConfig, Err: err}
	}

	sum := &Summary{
		RunID:     uuid.New().String(),
		GroupID:   job.GroupID,
		Phase:     PhaseStart,
		Sources:   job.Configured(),
		StartedAt: time.Now(),
	}
	log := r.logger.With(zap.String("run_id", sum.RunID), zap.String("group_id", sum.GroupID))
	rl := r.beginRun(ctx, log, sum)

	err := r.run(ctx, log, rl, job, sum)
	if r.cfg.DiscardBlobs {
		r.discardBlobs(context.WithoutCancel(ctx), log, sum.Blobs)
	}
	sum.Duration = time.Since(sum.StartedAt)
	r.deps.Metrics.observeRun(err, sum.Duration)
	rl.finish(context.WithoutCancel(ctx), sum, err)
	return sum, err
}

func (r *Runner) run(ctx context.Context, log *zap.Logger, rl *runLog, job *jobspec.Description, sum *Summary) error {
	sum.Phase = PhaseFetching
	log.Info("fetching sources", zap.Strings("sources", keyStrings(sum.Sources)))
	locs, err := r.fetch.FetchAll(ctx, job)
	if err != nil {
		return err
	}
	sum.Phase = PhaseFetched
	for _, loc := range locs {
		sum.Blobs = append(sum.Blobs, loc.Handle)
		rl.event(ctx, recordstore.EventTypeSourceFetched, loc.Source, 0, loc.Handle.String())
	}

	if r.cfg.ReplaceMode == ModeDeleteFirst {
		if err := r.commit.Delete(ctx, job.GroupID); err != nil {
			return err
		}
		rl.event(ctx, recordstore.EventTypeDataDeleted, "", 0, "")
	}

	sum.Phase = PhaseParsing
	merged, err := r.aggregate.Aggregate(ctx, job.GroupID, locs)
	if err != nil {
		return err
	}
	sum.Phase = PhaseAggregated
	sum.Records = len(merged.Records)
	sum.PerSource = merged.PerSource
	for _, loc := range locs {
		rl.event(ctx, recordstore.EventTypeSourceParsed, loc.Source, merged.PerSource[loc.Source], "")
	}
	log.Info("sources merged", zap.Int("records", sum.Records))

	// An empty collection ends the run in the aggregated phase.
	if len(merged.Records) > 0 {
		sum.Phase = PhaseStoring
	}
	if r.cfg.ReplaceMode == ModeStaged {
		err = r.commit.Replace(ctx, job.GroupID, merged.Records)
	} else {
		err = r.commit.Store(ctx, merged.Records)
	}
	if err != nil {
		return err
	}
	rl.event(ctx, recordstore.EventTypeDataStored, "", sum.Records, string(r.cfg.ReplaceMode))

	sum.Phase = PhaseDone
	return nil
}

// discardBlobs removes fetched payloads. Failures are logged.
func (r *Runner) discardBlobs(ctx context.Context, log *zap.Logger, handles []blob.Handle) {
	d, ok := r.deps.Blobs.(blob.Deleter)
	if !ok {
		if len(handles) > 0 {
			log.Debug("blob store cannot delete; keeping payloads")
		}
		return
	}
	for _, h := range handles {
		if err := d.Delete(ctx, h); err != nil {
			log.Warn("failed to discard payload", zap.String("blob", h.String()), zap.Error(err))
		}
	}
}

// runLog writes provenance for one run. Failures are logged, never
// returned; a failed BeginRun disables the rest of the log.
type runLog struct {
	rec   recordstore.RunRecorder
	runID string
	log   *zap.Logger
}

func (r *Runner) beginRun(ctx context.Context, log *zap.Logger, sum *Summary) *runLog {
	rl := &runLog{runID: sum.RunID, log: log}
	rec, ok := r.deps.Store.(recordstore.RunRecorder)
	if !ok {
		return rl
	}
	run := recordstore.Run{
		RunID:     sum.RunID,
		GroupID:   sum.GroupID,
		StartedAt: sum.StartedAt,
		Status:    recordstore.RunStatusRunning,
		Phase:     string(sum.Phase),
		Sources:   keyStrings(sum.Sources),
	}
	if err := rec.BeginRun(ctx, run); err != nil {
		log.Warn("failed to record run start", zap.Error(err))
		return rl
	}
	rl.rec = rec
	rl.event(ctx, recordstore.EventTypeRunStarted, "", len(sum.Sources), "")
	return rl
}

func (rl *runLog) finish(ctx context.Context, sum *Summary, runErr error) {
	if rl.rec == nil {
		return
	}
	res := recordstore.RunResult{
		Status:      recordstore.RunStatusSuccess,
		Phase:       string(sum.Phase),
		RecordCount: sum.Records,
	}
	evType := recordstore.EventTypeRunCompleted
	if runErr != nil {
		res.Status = recordstore.RunStatusFailed
		res.Reason = ReasonOf(runErr)
		res.RecordCount = 0
		evType = recordstore.EventTypeRunFailed
	}
	rl.event(ctx, evType, "", res.RecordCount, res.Reason)
	if err := rl.rec.FinishRun(ctx, rl.runID, res); err != nil {
		rl.log.Warn("failed to record run result", zap.Error(err))
	}
}

func (rl *runLog) event(ctx context.Context, t recordstore.EventType, source jobspec.SourceKey, count int, detail string) {
	if rl.rec == nil {
		return
	}
	ev := recordstore.RunEvent{
		RunID:      rl.runID,
		OccurredAt: time.Now(),
		EventType:  t,
		Source:     string(source),
		Count:      count,
		Detail:     detail,
	}
	if err := rl.rec.RecordEvent(ctx, ev); err != nil {
		rl.log.Warn("failed to record run event", zap.String("event", string(t)), zap.Error(err))
	}
}

func keyStrings(keys []jobspec.SourceKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
