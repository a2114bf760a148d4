package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 255
)

// ArtifactName is the failure artifact written to the artifact directory.
const ArtifactName = "error.json"

// Artifact is the machine-readable failure detail.
type Artifact struct {
	Reason string `json:"reason"`
}

// Reporter is the single exit path of a run.
//
// Both outcomes release the attached closer exactly once. Failures are
// logged and, when an artifact directory is set, written to error.json.
type Reporter struct {
	artifactDir string
	logger      *zap.Logger

	mu        sync.Mutex
	closer    io.Closer
	closeOnce sync.Once
}

// NewReporter returns a reporter writing artifacts into artifactDir.
// An empty artifactDir disables the artifact.
func NewReporter(artifactDir string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{artifactDir: artifactDir, logger: logger}
}

// CheckArtifactDir verifies dir is an existing, writable directory.
func CheckArtifactDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("artifact dir: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("artifact dir: %s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".deviceingest-writecheck-*")
	if err != nil {
		return fmt.Errorf("artifact dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// Attach registers the resource released on exit (the record store).
func (r *Reporter) Attach(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closer = c
}

// Report routes to Succeed or Fail and returns the process exit code.
func (r *Reporter) Report(sum *Summary, err error) int {
	if err != nil {
		return r.Fail(err)
	}
	return r.Succeed(sum)
}

// Succeed closes resources, logs the outcome and returns ExitSuccess.
func (r *Reporter) Succeed(sum *Summary) int {
	r.release()
	fields := []zap.Field{}
	if sum != nil {
		fields = append(fields,
			zap.String("run_id", sum.RunID),
			zap.String("group_id", sum.GroupID),
			zap.Int("records", sum.Records),
			zap.Duration("elapsed", sum.Duration))
	}
	r.logger.Info("ingest succeeded", fields...)
	return ExitSuccess
}

// Fail closes resources, logs the reason and full error, writes the
// artifact when configured and returns ExitFailure.
func (r *Reporter) Fail(err error) int {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	r.release()

	reason := ReasonOf(err)
	r.logger.Error("ingest failed",
		zap.String("reason", reason),
		zap.String("kind", string(KindOf(err))),
		zap.Error(err))

	if r.artifactDir != "" {
		if werr := writeArtifact(r.artifactDir, Artifact{Reason: reason}); werr != nil {
			r.logger.Error("failed to write error artifact",
				zap.String("dir", r.artifactDir),
				zap.Error(werr))
		}
	}
	return ExitFailure
}

func (r *Reporter) release() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		c := r.closer
		r.mu.Unlock()
		if c == nil {
			return
		}
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close record store", zap.Error(err))
		}
	})
}

// writeArtifact writes error.json atomically (temp file + rename).
func writeArtifact(dir string, a Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".error-*.json")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, ArtifactName)); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
