package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotStore persists and restores a strategy's warm-restart state.
// Encoding uses msgpack, grounded on
// aristath-sentinel/display/bridge's msgpack.NewEncoder/NewDecoder usage
// over a streaming connection — reused here over a file handle instead of a
// socket.
type SnapshotStore interface {
	Save(ctx context.Context, key string, v any) error
	Load(ctx context.Context, key string) (any, error)
}

// FileSnapshotStore stores one msgpack-encoded blob per key under a base
// directory. It is intentionally simple: a strategy worker is one OS
// process, so there is no concurrent-writer concern to guard against.
type FileSnapshotStore struct {
	baseDir string
}

func NewFileSnapshotStore(baseDir string) *FileSnapshotStore {
	return &FileSnapshotStore{baseDir: baseDir}
}

func (s *FileSnapshotStore) Save(ctx context.Context, key string, v any) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create directory: %w", err)
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileSnapshotStore) Load(ctx context.Context, key string) (any, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}
	var v map[string]any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return v, nil
}

func (s *FileSnapshotStore) path(key string) string {
	return filepath.Join(s.baseDir, key+".msgpack")
}
