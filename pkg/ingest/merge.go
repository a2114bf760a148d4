package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/deviceingest/pkg/blob"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// DefaultMergeBuffer is the capacity of the producer/consumer channel.
const DefaultMergeBuffer = 256

// Aggregator merges the per-source record sequences into one collection.
type Aggregator struct {
	Registry *sources.Registry
	Blobs    blob.Store
	Buffer   int
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Merged is the materialized output of Aggregate.
type Merged struct {
	Records   []record.Record
	PerSource map[jobspec.SourceKey]int
}

type mergeItem struct {
	source jobspec.SourceKey
	rec    record.Record
}

// Aggregate parses every location and returns the tagged records.
//
// One producer per location pushes into a bounded channel; a single
// consumer tags each record with groupID and appends it. Records are kept
// exactly as the adapters yield them; order within a source is preserved.
// The first failure cancels the remaining producers and no partial
// collection is returned.
func (a *Aggregator) Aggregate(ctx context.Context, groupID string, locs []Location) (*Merged, error) {
	parsers := make([]sources.Parser, len(locs))
	for i, loc := range locs {
		p, err := a.Registry.Parser(loc.Source)
		if err != nil {
			return nil, &JobError{Kind: KindUnknownSource, Source: loc.Source, Err: err}
		}
		parsers[i] = p
	}

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan mergeItem, a.buffer())
	for i, loc := range locs {
		g.Go(func() error {
			return a.produce(gctx, loc, parsers[i], items)
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
		close(items)
	}()

	out := &Merged{PerSource: make(map[jobspec.SourceKey]int, len(locs))}
	for it := range items {
		out.Records = append(out.Records, it.rec.Tag(groupID))
		out.PerSource[it.source]++
		a.Metrics.observeRecord(it.source)
	}

	if err := <-waitErr; err != nil {
		var je *JobError
		if !errors.As(err, &je) {
			err = &JobError{Kind: KindParse, Err: err}
		}
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) produce(ctx context.Context, loc Location, p sources.Parser, items chan<- mergeItem) error {
	rc, err := a.Blobs.Get(ctx, loc.Handle)
	if err != nil {
		return &JobError{Kind: KindParse, Source: loc.Source, Op: "open", Err: err}
	}
	defer func() { _ = rc.Close() }()

	n := 0
	for rec, err := range p.Parse(ctx, rc, loc.Config) {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return err
			}
			return &JobError{Kind: KindParse, Source: loc.Source, Err: err}
		}
		if rec == nil {
			return &JobError{Kind: KindParse, Source: loc.Source, Err: errors.New("parser yielded a nil record")}
		}
		select {
		case items <- mergeItem{source: loc.Source, rec: rec}:
			n++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.logger().Debug("source parsed", zap.String("source", string(loc.Source)), zap.Int("records", n))
	return nil
}

func (a *Aggregator) buffer() int {
	if a.Buffer <= 0 {
		return DefaultMergeBuffer
	}
	return a.Buffer
}

func (a *Aggregator) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
