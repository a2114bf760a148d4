package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/deviceingest/pkg/blob/file"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
	"github.com/3leaps/deviceingest/pkg/recordstore/sqlstore"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// fakeSource serves a fixed payload of "type,deviceId,time" lines.
type fakeSource struct {
	body     string
	fetchErr error

	// parseErr is yielded after failAfter records.
	parseErr  error
	failAfter int

	fetches atomic.Int32
	parses  atomic.Int32
}

func (f *fakeSource) Fetch(ctx context.Context, cfg jobspec.SourceConfig) (*sources.Payload, error) {
	f.fetches.Add(1)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &sources.Payload{
		Body:     io.NopCloser(strings.NewReader(f.body)),
		Filename: "payload.txt",
	}, nil
}

func (f *fakeSource) Parse(ctx context.Context, r io.Reader, cfg jobspec.SourceConfig) iter.Seq2[record.Record, error] {
	f.parses.Add(1)
	return func(yield func(record.Record, error) bool) {
		sc := bufio.NewScanner(r)
		n := 0
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if f.parseErr != nil && n >= f.failAfter {
				yield(nil, f.parseErr)
				return
			}
			parts := strings.SplitN(line, ",", 3)
			for len(parts) < 3 {
				parts = append(parts, "")
			}
			rec := record.Record{
				record.FieldType:     parts[0],
				record.FieldDeviceID: parts[1],
				record.FieldTime:     parts[2],
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// stagingSource adds the Stager capability to a fakeSource.
type stagingSource struct {
	*fakeSource
	path string
}

func (s stagingSource) StagingPath(cfg jobspec.SourceConfig) (string, error) {
	return s.path, nil
}

// countingStore records how often the store was called.
type countingStore struct {
	recordstore.Store
	deletes atomic.Int32
	stores  atomic.Int32
	closes  atomic.Int32
}

func (s *countingStore) DeleteData(ctx context.Context, groupID string) error {
	s.deletes.Add(1)
	return s.Store.DeleteData(ctx, groupID)
}

func (s *countingStore) StoreData(ctx context.Context, records []record.Record) error {
	s.stores.Add(1)
	return s.Store.StoreData(ctx, records)
}

func (s *countingStore) Close() error {
	s.closes.Add(1)
	return s.Store.Close()
}

// failingStore fails every write.
type failingStore struct{}

func (failingStore) DeleteData(context.Context, string) error { return errors.New("disk full") }
func (failingStore) StoreData(context.Context, []record.Record) error {
	return errors.New("disk full")
}
func (failingStore) Close() error { return nil }

type harness struct {
	sources  map[jobspec.SourceKey]*fakeSource
	fetchers map[jobspec.SourceKey]sources.Fetcher
	parsers  map[jobspec.SourceKey]sources.Parser
	blobs    *file.Store
	store    *sqlstore.Store
	logger   *zap.Logger
	logs     *observer.ObservedLogs
	metrics  *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	blobs, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	store, err := sqlstore.Open(context.Background(), sqlstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		sources:  make(map[jobspec.SourceKey]*fakeSource),
		fetchers: make(map[jobspec.SourceKey]sources.Fetcher),
		parsers:  make(map[jobspec.SourceKey]sources.Parser),
		blobs:    blobs,
		store:    store,
		logger:   zap.New(core),
		logs:     logs,
		metrics:  NewMetrics(),
	}
	for _, k := range jobspec.Keys() {
		h.sources[k] = &fakeSource{}
	}
	return h
}

func (h *harness) registry(t *testing.T) *sources.Registry {
	t.Helper()
	reg := sources.NewRegistry()
	for _, k := range jobspec.Keys() {
		var f sources.Fetcher = h.sources[k]
		if override, ok := h.fetchers[k]; ok {
			f = override
		}
		var p sources.Parser = h.sources[k]
		if override, ok := h.parsers[k]; ok {
			p = override
		}
		require.NoError(t, reg.Register(k, sources.Adapter{Fetcher: f, Parser: p}))
	}
	return reg
}

func (h *harness) runner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	return h.runnerWithStore(t, h.store, cfg)
}

func (h *harness) runnerWithStore(t *testing.T, store recordstore.Store, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(Deps{
		Registry: h.registry(t),
		Blobs:    h.blobs,
		Store:    store,
		Logger:   h.logger,
		Metrics:  h.metrics,
	}, cfg)
	require.NoError(t, err)
	return r
}

func (h *harness) seed(t *testing.T, groupID string, n int) {
	t.Helper()
	var recs []record.Record
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{
			record.FieldGroupID:  groupID,
			record.FieldType:     "old",
			record.FieldDeviceID: "legacy",
			record.FieldTime:     "2020-01-01T00:00:00Z",
		})
	}
	require.NoError(t, h.store.StoreData(context.Background(), recs))
}

func (h *harness) count(t *testing.T, groupID string) int {
	t.Helper()
	n, err := h.store.CountData(context.Background(), groupID)
	require.NoError(t, err)
	return n
}

func readJob(t *testing.T, in string) *jobspec.Description {
	t.Helper()
	job, err := ReadJob(strings.NewReader(in))
	require.NoError(t, err)
	return job
}

// counterValue sums the samples of a counter family matching labels.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}
