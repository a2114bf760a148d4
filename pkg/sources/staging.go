package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/deviceingest/pkg/jobspec"
)

// ErrNoStagingFile indicates the staging pattern matched nothing.
var ErrNoStagingFile = errors.New("no staging file found")

// StagingFetcher reads an upload that was staged on local disk.
//
// The config's "stagingFile" is a path or a doublestar glob; it must resolve
// to exactly one regular file.
type StagingFetcher struct {
	Source jobspec.SourceKey
}

var (
	_ Fetcher = (*StagingFetcher)(nil)
	_ Stager  = (*StagingFetcher)(nil)
)

// StagingPath resolves the staging file for cfg.
func (f *StagingFetcher) StagingPath(cfg jobspec.SourceConfig) (string, error) {
	s, err := DecodeSettings(cfg)
	if err != nil {
		return "", err
	}
	return resolveStagingFile(s.StagingFile)
}

// Fetch opens the resolved staging file.
func (f *StagingFetcher) Fetch(ctx context.Context, cfg jobspec.SourceConfig) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.StagingPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Source, err)
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%s: open staging file: %w", f.Source, err)
	}
	return &Payload{Body: file, Filename: filepath.Base(p), StagingFile: p}, nil
}

func resolveStagingFile(pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", errors.New("stagingFile is required")
	}
	if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return "", fmt.Errorf("invalid stagingFile pattern %q", pattern)
	}

	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("resolve stagingFile: %w", err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoStagingFile, pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("stagingFile %q matched %d files, expected 1", pattern, len(matches))
	}
}
