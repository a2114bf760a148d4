// Package blob defines the storage contract for fetched source payloads.
//
// A fetch coordinator saves each raw payload under a group-scoped key and
// hands the resulting Handle to the parser stage. Backends live in
// subpackages (file, s3).
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// BackendType identifies a blob storage backend.
type BackendType string

const (
	// BackendFile stores blobs on the local filesystem.
	BackendFile BackendType = "file"

	// BackendS3 stores blobs in AWS S3 or an S3-compatible store.
	BackendS3 BackendType = "s3"
)

// Handle locates a stored payload within a backend.
type Handle struct {
	// Backend is the backend that issued the handle.
	Backend BackendType

	// Key is the backend-relative object key (e.g., "g1/dexcom-<uuid>.csv").
	Key string
}

// String returns a URI-like representation for logs.
func (h Handle) String() string {
	if h.Backend == "" {
		return h.Key
	}
	return string(h.Backend) + "://" + h.Key
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h.Key == ""
}

// Store is the minimal interface every blob backend implements.
type Store interface {
	// Save writes r under a key derived from groupID and filename.
	Save(ctx context.Context, groupID, filename string, r io.Reader) (Handle, error)

	// Get opens the payload for reading. Callers must close the reader.
	Get(ctx context.Context, h Handle) (io.ReadCloser, error)

	// Close releases any resources held by the store.
	Close() error
}

// Deleter is an optional capability for removing stored payloads.
type Deleter interface {
	Delete(ctx context.Context, h Handle) error
}

// NewKey builds a unique object key for a payload.
//
// The key has the form "<groupID>/<base>-<uuid><ext>", where base and ext
// come from filename. Path separators in either component are flattened so a
// hostile filename cannot escape the group prefix.
func NewKey(groupID, filename string) (string, error) {
	group := sanitizeSegment(groupID)
	if group == "" {
		return "", fmt.Errorf("blob key: group id is required")
	}

	name := sanitizeSegment(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = "payload"
	}
	return fmt.Sprintf("%s/%s-%s%s", group, base, uuid.NewString(), ext), nil
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "." {
		return ""
	}
	return s
}
