package ingest

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/deviceingest/pkg/blob"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// Location points at a fetched payload and the config used to fetch it.
type Location struct {
	Source jobspec.SourceKey
	Handle blob.Handle
	Config jobspec.SourceConfig
}

// FetchCoordinator runs the configured sources' fetchers concurrently.
type FetchCoordinator struct {
	Registry *sources.Registry
	Blobs    blob.Store
	Logger   *zap.Logger
	Metrics  *Metrics

	// Orphaned, when set, receives every payload saved by a round that
	// ended in failure, including fetches that finish after FetchAll
	// returned.
	Orphaned func(Location)
}

type fetchResult struct {
	idx int
	loc Location
	err error
}

// FetchAll fetches every configured source and saves each payload to the
// blob store.
//
// Absent sources are skipped. The first error is returned immediately;
// fetches still in flight run to completion and their saved payloads go to
// Orphaned. On success the locations are ordered by source key.
func (c *FetchCoordinator) FetchAll(ctx context.Context, job *jobspec.Description) ([]Location, error) {
	keys := job.Configured()
	if len(keys) == 0 {
		return nil, nil
	}

	// Buffered so late senders never block after an early return.
	results := make(chan fetchResult, len(keys))
	for i, key := range keys {
		go func() {
			loc, err := c.fetchOne(ctx, job.GroupID, key, job.Source(key))
			results <- fetchResult{idx: i, loc: loc, err: err}
		}()
	}

	locs := make([]Location, len(keys))
	for n := range keys {
		res := <-results
		if res.err != nil {
			c.abandon(locs, results, len(keys)-n-1)
			return nil, res.err
		}
		locs[res.idx] = res.loc
	}
	return locs, nil
}

// abandon hands the saved payloads of a failed round to Orphaned: those
// already received now, the pending ones as their fetches finish.
func (c *FetchCoordinator) abandon(received []Location, results <-chan fetchResult, pending int) {
	if c.Orphaned == nil {
		return
	}
	for _, loc := range received {
		if !loc.Handle.IsZero() {
			c.Orphaned(loc)
		}
	}
	if pending == 0 {
		return
	}
	go func() {
		for range pending {
			if res := <-results; res.err == nil {
				c.Orphaned(res.loc)
			}
		}
	}()
}

func (c *FetchCoordinator) fetchOne(ctx context.Context, groupID string, key jobspec.SourceKey, cfg jobspec.SourceConfig) (Location, error) {
	log := c.logger().With(zap.String("source", string(key)))

	f, err := c.Registry.Fetcher(key)
	if err != nil {
		return Location{}, &JobError{Kind: KindUnknownSource, Source: key, Err: err}
	}

	// Resolve the staging file up front so it is removed on every outcome.
	if st, ok := f.(sources.Stager); ok {
		if path, err := st.StagingPath(cfg); err == nil {
			defer c.removeStaging(log, path)
		}
	}

	start := time.Now()
	p, err := f.Fetch(ctx, cfg)
	if err == nil && (p == nil || p.Body == nil) {
		err = errors.New("fetcher returned no payload")
	}
	c.Metrics.observeFetch(key, err)
	if err != nil {
		log.Debug("fetch failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return Location{}, &JobError{Kind: KindFetch, Source: key, Err: err}
	}
	defer func() {
		_ = p.Body.Close()
		if p.StagingFile != "" {
			c.removeStaging(log, p.StagingFile)
		}
	}()

	filename := p.Filename
	if filename == "" {
		filename = string(key)
	}
	h, err := c.Blobs.Save(ctx, groupID, filename, p.Body)
	if err != nil {
		return Location{}, &JobError{Kind: KindFetch, Source: key, Op: "save", Err: err}
	}

	log.Debug("source fetched",
		zap.String("blob", h.String()),
		zap.Duration("elapsed", time.Since(start)))
	return Location{Source: key, Handle: h, Config: cfg}, nil
}

// removeStaging deletes a staging file. Failures are logged, never returned.
func (c *FetchCoordinator) removeStaging(log *zap.Logger, path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
		log.Debug("staging file removed", zap.String("path", path))
	case os.IsNotExist(err):
		// Already removed by an earlier cleanup for the same path.
	default:
		log.Warn("failed to remove staging file", zap.String("path", path), zap.Error(err))
	}
}

func (c *FetchCoordinator) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
