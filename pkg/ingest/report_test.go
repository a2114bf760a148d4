package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type closeCounter struct {
	n   atomic.Int32
	err error
}

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return c.err
}

func TestReporter_ExitCodes(t *testing.T) {
	r := NewReporter("", nil)
	assert.Equal(t, ExitSuccess, r.Report(&Summary{GroupID: "g1"}, nil))

	r = NewReporter("", nil)
	assert.Equal(t, ExitFailure, r.Report(nil, errors.New("boom")))
}

func TestReporter_ClosesOnce(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c := &closeCounter{}
		r := NewReporter("", nil)
		r.Attach(c)
		r.Succeed(nil)
		r.Succeed(nil)
		assert.EqualValues(t, 1, c.n.Load())
	})

	t.Run("failure then success", func(t *testing.T) {
		c := &closeCounter{}
		r := NewReporter("", nil)
		r.Attach(c)
		r.Fail(errors.New("x"))
		r.Succeed(nil)
		assert.EqualValues(t, 1, c.n.Load())
	})

	t.Run("close error is logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		c := &closeCounter{err: errors.New("busy")}
		r := NewReporter("", zap.New(core))
		r.Attach(c)
		assert.Equal(t, ExitSuccess, r.Succeed(nil))
		assert.Equal(t, 1, logs.FilterMessage("failed to close record store").Len())
	})
}

func TestReporter_FailWritesArtifact(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{
			name:   "job error",
			err:    &JobError{Kind: KindFetch, Source: "carelink", Err: errors.New("HTTP 401")},
			reason: "fetch: carelink: HTTP 401",
		},
		{
			name:   "config error",
			err:    &JobError{Kind: KindConfig, Op: "read job", Err: ErrMissingGroupID},
			reason: "config: read job: groupId is required",
		},
		{
			name:   "plain error",
			err:    errors.New("panic recovered"),
			reason: "internal: panic recovered",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			core, logs := observer.New(zapcore.ErrorLevel)
			r := NewReporter(dir, zap.New(core))

			assert.Equal(t, ExitFailure, r.Fail(tt.err))
			assert.Equal(t, tt.reason, readArtifact(t, dir).Reason)

			entries := logs.FilterMessage("ingest failed").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.reason, entries[0].ContextMap()["reason"])

			// No temp files are left behind.
			files, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, files, 1)
		})
	}
}

func TestReporter_NoArtifactWithoutDir(t *testing.T) {
	cwd := t.TempDir()
	t.Chdir(cwd)

	r := NewReporter("", nil)
	r.Fail(errors.New("x"))
	assert.NoFileExists(t, filepath.Join(cwd, ArtifactName))
}

func TestReporter_ArtifactWriteFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewReporter(filepath.Join(t.TempDir(), "gone"), zap.New(core))
	assert.Equal(t, ExitFailure, r.Fail(errors.New("x")))
	assert.Equal(t, 1, logs.FilterMessage("failed to write error artifact").Len())
}

func TestCheckArtifactDir(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckArtifactDir(dir))

	assert.Error(t, CheckArtifactDir(filepath.Join(dir, "missing")))

	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, nil, 0o600))
	err := CheckArtifactDir(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}
