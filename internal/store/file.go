// File: internal/store/file.go
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/anassagd432/aether-agent/api/schemas"
)

// keySanitizer restricts store keys to a filesystem-safe alphabet.
var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileStore persists blobs as individual files under a state directory. It is
// the default persistence backend and is deliberately forgiving: a missing or
// unwritable directory degrades to errors the caller treats as best-effort.
type FileStore struct {
	dir string
	log *zap.Logger
}

// NewFileStore creates the state directory if needed and returns the store.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &FileStore{
		dir: dir,
		log: logger.Named("filestore"),
	}, nil
}

// Save writes the blob atomically (temp file + rename) under the key.
func (s *FileStore) Save(_ context.Context, key string, blob []byte) error {
	path := s.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("failed to write blob for key %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize blob for key %q: %w", key, err)
	}
	return nil
}

// Load reads the blob for the key; a missing file is not an error.
func (s *FileStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read blob for key %q: %w", key, err)
	}
	return data, true, nil
}

func (s *FileStore) pathFor(key string) string {
	safe := keySanitizer.ReplaceAllString(key, "_")
	return filepath.Join(s.dir, safe+".json")
}

var _ schemas.BlobStore = (*FileStore)(nil)
