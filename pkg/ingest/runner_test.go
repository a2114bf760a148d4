package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/deviceingest/pkg/blob"
	"github.com/3leaps/deviceingest/pkg/blob/file"
	"github.com/3leaps/deviceingest/pkg/jobspec"
	"github.com/3leaps/deviceingest/pkg/record"
	"github.com/3leaps/deviceingest/pkg/recordstore"
	"github.com/3leaps/deviceingest/pkg/sources"
)

const threeReadings = `cbg,pump-1,2024-03-01T10:00:00Z
cbg,pump-1,2024-03-01T10:05:00Z
cbg,pump-1,2024-03-01T10:10:00Z
`

func TestRun_SingleSourceReplacesGroup(t *testing.T) {
	h := newHarness(t)
	h.sources[jobspec.Carelink].body = threeReadings
	r := h.runner(t, Config{})

	job := readJob(t, `{"groupId":"g1","carelink":{"username":"u","password":"p"}}`)
	sum, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, NewReporter("", nil).Report(sum, err))

	assert.Equal(t, PhaseDone, sum.Phase)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, 3, sum.PerSource[jobspec.Carelink])

	got, err := h.store.LoadData(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, "g1", rec.GroupID())
		assert.Equal(t, "pump-1", rec.DeviceID())
		assert.Equal(t, []string{
			"2024-03-01T10:00:00Z",
			"2024-03-01T10:05:00Z",
			"2024-03-01T10:10:00Z",
		}[i], rec.String(record.FieldTime))
	}
}

func TestRun_NoSourcesIsEmptyResult(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "g2", 4)
	r := h.runner(t, Config{})

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g2"}`))
	require.Error(t, err)
	assert.True(t, IsEmptyResult(err))
	assert.True(t, errors.Is(err, ErrNoResults))
	assert.Equal(t, PhaseAggregated, sum.Phase)

	dir := t.TempDir()
	assert.Equal(t, ExitFailure, NewReporter(dir, nil).Report(sum, err))
	assert.Equal(t, "empty_result: no records produced", readArtifact(t, dir).Reason)

	// delete-first has already removed the previous records.
	assert.Equal(t, 0, h.count(t, "g2"))
}

func TestRun_StagingFetchFailureCleansUp(t *testing.T) {
	t.Run("staging file removed", func(t *testing.T) {
		h := newHarness(t)
		staging := filepath.Join(t.TempDir(), "upload.csv")
		require.NoError(t, os.WriteFile(staging, []byte("x"), 0o600))

		src := h.sources[jobspec.Dexcom]
		src.fetchErr = errors.New("connection reset")
		h.fetchers[jobspec.Dexcom] = stagingSource{fakeSource: src, path: staging}
		r := h.runner(t, Config{})

		_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g3","dexcom":{}}`))
		require.Error(t, err)
		assert.True(t, IsFetch(err))
		assert.Equal(t, jobspec.Dexcom, err.(*JobError).Source)
		assert.NoFileExists(t, staging)
	})

	t.Run("removal failure only logged", func(t *testing.T) {
		h := newHarness(t)
		// A non-empty directory cannot be removed with os.Remove.
		staging := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(staging, "keep"), []byte("x"), 0o600))

		src := h.sources[jobspec.Dexcom]
		src.fetchErr = errors.New("connection reset")
		h.fetchers[jobspec.Dexcom] = stagingSource{fakeSource: src, path: staging}
		r := h.runner(t, Config{})

		_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g3","dexcom":{}}`))
		require.Error(t, err)
		assert.True(t, IsFetch(err))
		assert.Contains(t, err.Error(), "connection reset")
		assert.Equal(t, 1, h.logs.FilterMessage("failed to remove staging file").Len())
	})
}

func TestRun_MissingGroupIDMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	store := &countingStore{Store: h.store}
	r := h.runnerWithStore(t, store, Config{})

	job := &jobspec.Description{Carelink: jobspec.SourceConfig(`{"username":"u"}`)}
	sum, err := r.Run(context.Background(), job)
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.True(t, IsConfig(err))
	assert.True(t, errors.Is(err, ErrMissingGroupID))

	for _, src := range h.sources {
		assert.Zero(t, src.fetches.Load())
		assert.Zero(t, src.parses.Load())
	}
	assert.Zero(t, store.deletes.Load())
	assert.Zero(t, store.stores.Load())
}

func TestRun_AbsentSourcesAreNotTouched(t *testing.T) {
	h := newHarness(t)
	h.sources[jobspec.Diasend].body = "smbg,meter-1,2024-03-01T08:00:00Z\n"
	h.sources[jobspec.Tconnect].body = "basal,pump-2,2024-03-01T09:00:00Z\nbolus,pump-2,2024-03-01T09:30:00Z\n"
	r := h.runner(t, Config{})

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g4","diasend":{},"tconnect":{}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, []jobspec.SourceKey{jobspec.Diasend, jobspec.Tconnect}, sum.Sources)

	for _, k := range []jobspec.SourceKey{jobspec.Carelink, jobspec.Dexcom} {
		assert.Zero(t, h.sources[k].fetches.Load(), k)
		assert.Zero(t, h.sources[k].parses.Load(), k)
	}
	for _, k := range []jobspec.SourceKey{jobspec.Diasend, jobspec.Tconnect} {
		assert.EqualValues(t, 1, h.sources[k].fetches.Load(), k)
		assert.EqualValues(t, 1, h.sources[k].parses.Load(), k)
	}
	assert.Equal(t, 3, h.count(t, "g4"))
}

func TestRun_FetchFailureWritesArtifact(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "g5", 2)
	h.sources[jobspec.Carelink].body = threeReadings
	h.sources[jobspec.Diasend].fetchErr = errors.New("HTTP 503")
	r := h.runner(t, Config{})

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g5","carelink":{},"diasend":{}}`))
	require.Error(t, err)
	assert.True(t, IsFetch(err))
	assert.Equal(t, PhaseFetching, sum.Phase)

	dir := t.TempDir()
	assert.Equal(t, ExitFailure, NewReporter(dir, nil).Report(sum, err))
	a := readArtifact(t, dir)
	assert.NotEmpty(t, a.Reason)
	assert.Equal(t, "fetch: diasend: HTTP 503", a.Reason)

	// Fetch failures end the run before any delete.
	assert.Equal(t, 2, h.count(t, "g5"))
	assert.EqualValues(t, 1, counterValue(t, h.metrics, "deviceingest_fetches_total",
		map[string]string{"source": "diasend", "status": "failure"}))
}

func TestRun_EmptyParseAfterDelete(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "g6", 3)
	h.sources[jobspec.Tconnect].body = "\n\n"
	r := h.runner(t, Config{})

	_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g6","tconnect":{}}`))
	require.Error(t, err)
	assert.True(t, IsEmptyResult(err))
	assert.Equal(t, 0, h.count(t, "g6"))
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.sources[jobspec.Carelink].body = threeReadings
	h.sources[jobspec.Dexcom].body = "cbg,g6-sensor,2024-03-01T11:00:00Z\n"
	job := readJob(t, `{"groupId":"g7","carelink":{},"dexcom":{}}`)

	for _, mode := range []ReplaceMode{ModeDeleteFirst, ModeStaged} {
		t.Run(string(mode), func(t *testing.T) {
			r := h.runner(t, Config{ReplaceMode: mode})

			_, err := r.Run(context.Background(), job)
			require.NoError(t, err)
			first, err := h.store.LoadData(context.Background(), "g7")
			require.NoError(t, err)

			_, err = r.Run(context.Background(), job)
			require.NoError(t, err)
			second, err := h.store.LoadData(context.Background(), "g7")
			require.NoError(t, err)

			assert.Len(t, first, 4)
			assert.Equal(t, first, second)
		})
	}
}

func TestRun_StagedModeKeepsDataOnFailure(t *testing.T) {
	t.Run("empty result", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "g8", 5)
		r := h.runner(t, Config{ReplaceMode: ModeStaged})

		_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g8"}`))
		require.Error(t, err)
		assert.True(t, IsEmptyResult(err))
		assert.Equal(t, 5, h.count(t, "g8"))
	})

	t.Run("parse error", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "g8", 5)
		h.sources[jobspec.Carelink].body = threeReadings
		h.sources[jobspec.Carelink].parseErr = errors.New("bad row")
		h.sources[jobspec.Carelink].failAfter = 1
		r := h.runner(t, Config{ReplaceMode: ModeStaged})

		_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g8","carelink":{}}`))
		require.Error(t, err)
		assert.True(t, IsParse(err))
		assert.Equal(t, 5, h.count(t, "g8"))
	})

	t.Run("success replaces", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "g8", 5)
		h.sources[jobspec.Carelink].body = threeReadings
		r := h.runner(t, Config{ReplaceMode: ModeStaged})

		_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g8","carelink":{}}`))
		require.NoError(t, err)
		assert.Equal(t, 3, h.count(t, "g8"))
	})
}

func TestRun_ParseErrorStoresNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "g9", 2)
	h.sources[jobspec.Carelink].body = threeReadings
	h.sources[jobspec.Diasend].body = threeReadings
	h.sources[jobspec.Diasend].parseErr = errors.New("unexpected token")
	h.sources[jobspec.Diasend].failAfter = 2
	store := &countingStore{Store: h.store}
	r := h.runnerWithStore(t, store, Config{})

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g9","carelink":{},"diasend":{}}`))
	require.Error(t, err)
	assert.True(t, IsParse(err))
	assert.Equal(t, PhaseParsing, sum.Phase)
	assert.Contains(t, ReasonOf(err), "parse: diasend: unexpected token")
	assert.EqualValues(t, 1, store.deletes.Load())
	assert.Zero(t, store.stores.Load())
	assert.Equal(t, 0, h.count(t, "g9"))
}

func TestRun_PersistsAdapterOutputExactly(t *testing.T) {
	// Records missing type or deviceId are still adapter output.
	body := "cbg,pump-1,2024-03-01T10:00:00Z\n,,2024-03-01T10:05:00Z\nbolus,,\n"
	h := newHarness(t)
	h.sources[jobspec.Carelink].body = body
	h.sources[jobspec.Tconnect].body = "basal,pump-2,2024-03-01T11:00:00Z\n"
	h.seed(t, "g10", 4)
	r := h.runner(t, Config{})

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g10","carelink":{},"tconnect":{}}`))
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Records)

	got, err := h.store.LoadData(context.Background(), "g10")
	require.NoError(t, err)
	require.Len(t, got, 4)

	var types []string
	for _, rec := range got {
		assert.Equal(t, "g10", rec.GroupID())
		types = append(types, rec.Type())
	}
	assert.ElementsMatch(t, []string{"cbg", "", "bolus", "basal"}, types)
}

func TestRun_AdapterValidation(t *testing.T) {
	body := "cbg,pump-1,2024-03-01T10:00:00Z\ncbg,,2024-03-01T10:05:00Z\ncbg,pump-1,2024-03-01T10:10:00Z\n"
	validator, err := record.NewSchemaValidator()
	require.NoError(t, err)

	validating := func(h *harness, policy sources.InvalidPolicy) sources.Parser {
		return &sources.Validating{
			Parser:    h.sources[jobspec.Carelink],
			Source:    jobspec.Carelink,
			Validator: validator,
			Policy:    policy,
			OnSkip: func(source jobspec.SourceKey, err error) {
				h.metrics.ObserveSkipped(source)
			},
		}
	}

	t.Run("skip persists what the adapter yields", func(t *testing.T) {
		h := newHarness(t)
		h.sources[jobspec.Carelink].body = body
		h.parsers[jobspec.Carelink] = validating(h, sources.PolicySkip)
		r := h.runner(t, Config{})

		sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g11","carelink":{}}`))
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Records)
		assert.Equal(t, 2, h.count(t, "g11"))
		assert.EqualValues(t, 1, counterValue(t, h.metrics, "deviceingest_records_skipped_total",
			map[string]string{"source": "carelink"}))
		assert.EqualValues(t, 2, counterValue(t, h.metrics, "deviceingest_records_total",
			map[string]string{"source": "carelink"}))
	})

	t.Run("fail is a parse error", func(t *testing.T) {
		h := newHarness(t)
		h.sources[jobspec.Carelink].body = body
		h.parsers[jobspec.Carelink] = validating(h, sources.PolicyFail)
		r := h.runner(t, Config{})

		_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g11","carelink":{}}`))
		require.Error(t, err)
		assert.True(t, IsParse(err))
		assert.True(t, errors.Is(err, record.ErrInvalidRecord))
		assert.Equal(t, 0, h.count(t, "g11"))
	})
}

func TestRun_StoreFailureIsPersistence(t *testing.T) {
	h := newHarness(t)
	h.sources[jobspec.Carelink].body = threeReadings
	r := h.runnerWithStore(t, failingStore{}, Config{})

	_, err := r.Run(context.Background(), readJob(t, `{"groupId":"g11","carelink":{}}`))
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.Equal(t, "persistence: delete: disk full", ReasonOf(err))
}

func TestRun_RecordsRunLog(t *testing.T) {
	h := newHarness(t)
	h.sources[jobspec.Carelink].body = threeReadings
	r := h.runner(t, Config{})

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g12","carelink":{}}`))
	require.NoError(t, err)

	run, err := h.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, recordstore.RunStatusSuccess, run.Status)
	assert.Equal(t, string(PhaseDone), run.Phase)
	assert.Equal(t, 3, run.RecordCount)
	assert.Equal(t, []string{"carelink"}, run.Sources)
	assert.NotNil(t, run.EndedAt)

	events, err := h.store.ListRunEvents(context.Background(), sum.RunID)
	require.NoError(t, err)
	var types []recordstore.EventType
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []recordstore.EventType{
		recordstore.EventTypeRunStarted,
		recordstore.EventTypeSourceFetched,
		recordstore.EventTypeDataDeleted,
		recordstore.EventTypeSourceParsed,
		recordstore.EventTypeDataStored,
		recordstore.EventTypeRunCompleted,
	}, types)

	t.Run("failed run", func(t *testing.T) {
		sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g12"}`))
		require.Error(t, err)

		run, err := h.store.GetRun(context.Background(), sum.RunID)
		require.NoError(t, err)
		assert.Equal(t, recordstore.RunStatusFailed, run.Status)
		assert.Equal(t, ReasonOf(err), run.Reason)
	})
}

func TestNewRunner_Errors(t *testing.T) {
	h := newHarness(t)

	partial := sources.NewRegistry()
	require.NoError(t, partial.Register(jobspec.Carelink, sources.Adapter{
		Fetcher: h.sources[jobspec.Carelink],
		Parser:  h.sources[jobspec.Carelink],
	}))

	tests := []struct {
		name string
		deps Deps
		cfg  Config
	}{
		{name: "no registry", deps: Deps{Blobs: h.blobs, Store: h.store}},
		{name: "incomplete registry", deps: Deps{Registry: partial, Blobs: h.blobs, Store: h.store}},
		{name: "no blobs", deps: Deps{Registry: h.registry(t), Store: h.store}},
		{name: "no store", deps: Deps{Registry: h.registry(t), Blobs: h.blobs}},
		{name: "bad mode", deps: Deps{Registry: h.registry(t), Blobs: h.blobs, Store: h.store}, cfg: Config{ReplaceMode: "swap"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.deps, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func readArtifact(t *testing.T, dir string) Artifact {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ArtifactName))
	require.NoError(t, err)
	var a Artifact
	require.NoError(t, json.Unmarshal(data, &a))
	return a
}

func TestRun_DiscardBlobs(t *testing.T) {
	for _, discard := range []bool{false, true} {
		h := newHarness(t)
		h.sources[jobspec.Carelink].body = threeReadings
		r := h.runner(t, Config{DiscardBlobs: discard})

		sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g13","carelink":{}}`))
		require.NoError(t, err)
		require.Len(t, sum.Blobs, 1)

		path := filepath.Join(h.blobs.BaseDir(), filepath.FromSlash(sum.Blobs[0].Key))
		if discard {
			assert.NoFileExists(t, path)
		} else {
			assert.FileExists(t, path)
		}
	}
}

// deleteNotifyingBlobs reports every delete on deleted.
type deleteNotifyingBlobs struct {
	*file.Store
	deleted chan blob.Handle
}

func (b *deleteNotifyingBlobs) Delete(ctx context.Context, h blob.Handle) error {
	err := b.Store.Delete(ctx, h)
	b.deleted <- h
	return err
}

func TestRun_DiscardBlobsAfterFailFast(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.fetchers[jobspec.Carelink] = sources.FetcherFunc(func(ctx context.Context, cfg jobspec.SourceConfig) (*sources.Payload, error) {
		<-release
		return h.sources[jobspec.Carelink].Fetch(ctx, cfg)
	})
	h.sources[jobspec.Carelink].body = threeReadings
	h.sources[jobspec.Diasend].fetchErr = errors.New("HTTP 503")
	blobs := &deleteNotifyingBlobs{Store: h.blobs, deleted: make(chan blob.Handle, 1)}

	r, err := NewRunner(Deps{Registry: h.registry(t), Blobs: blobs, Store: h.store, Logger: h.logger}, Config{DiscardBlobs: true})
	require.NoError(t, err)

	sum, err := r.Run(context.Background(), readJob(t, `{"groupId":"g14","carelink":{},"diasend":{}}`))
	require.Error(t, err)
	assert.True(t, IsFetch(err))
	assert.Empty(t, sum.Blobs)

	close(release)
	select {
	case hd := <-blobs.deleted:
		assert.True(t, strings.HasPrefix(hd.Key, "g14/payload-"), hd.Key)
		assert.NoFileExists(t, filepath.Join(h.blobs.BaseDir(), filepath.FromSlash(hd.Key)))
	case <-time.After(5 * time.Second):
		t.Fatal("late payload was not discarded")
	}
}
