// Package file implements blob.Store on the local filesystem.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/deviceingest/pkg/blob"
)

// Store keeps payloads as files under a base directory.
//
// Keys are treated as relative paths under BaseDir.
type Store struct {
	baseDir string
}

// Ensure Store implements blob capability interfaces.
var (
	_ blob.Store   = (*Store)(nil)
	_ blob.Deleter = (*Store)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &Store{baseDir: base}, nil
}

func (s *Store) Close() error { return nil }

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string { return s.baseDir }

// Save writes r to a new key via temp file + rename.
func (s *Store) Save(ctx context.Context, groupID, filename string, r io.Reader) (blob.Handle, error) {
	key, err := blob.NewKey(groupID, filename)
	if err != nil {
		return blob.Handle{}, s.wrapError("Save", "", err)
	}
	if err := s.put(ctx, key, r); err != nil {
		return blob.Handle{}, err
	}
	return blob.Handle{Backend: blob.BackendFile, Key: key}, nil
}

func (s *Store) put(ctx context.Context, key string, body io.Reader) error {
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Save", key, err)
	}
	if err := ctx.Err(); err != nil {
		return s.wrapError("Save", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Save", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".deviceingest-put-*")
	if err != nil {
		return s.wrapError("Save", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return s.wrapError("Save", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Save", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Save", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, h blob.Handle) (io.ReadCloser, error) {
	_ = ctx
	full, err := s.fullPath(h.Key)
	if err != nil {
		return nil, s.wrapError("Get", h.Key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, s.wrapError("Get", h.Key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, s.wrapError("Get", h.Key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, &blob.Error{Op: "Get", Backend: blob.BackendFile, Key: h.Key, Err: blob.ErrNotFound}
	}
	return f, nil
}

func (s *Store) Delete(ctx context.Context, h blob.Handle) error {
	_ = ctx
	full, err := s.fullPath(h.Key)
	if err != nil {
		return s.wrapError("Delete", h.Key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s.wrapError("Delete", h.Key, err)
	}
	return nil
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", blob.ErrInvalidKey
	}
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", blob.ErrInvalidKey
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &blob.Error{Op: op, Backend: blob.BackendFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to blob sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = blob.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = blob.ErrAccessDenied
	}
	return wrapped
}
