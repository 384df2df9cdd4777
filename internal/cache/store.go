package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound is returned by Store.Read for a missing key
	ErrNotFound = stderrors.New("cache entry not found")
	// ErrExists is returned by Store.Create when the key is already present
	ErrExists = stderrors.New("cache entry already exists")
)

// Store persists encoded entries by key. Entries are never deleted.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	// Create writes data only if key is absent, atomically
	Create(ctx context.Context, key string, data []byte) error
	// Replace atomically supersedes the entry for key
	Replace(ctx context.Context, key string, data []byte) error
	Close() error
}

// validKey accepts lowercase hex keys, which keeps them safe as file names
func validKey(key string) error {
	if len(key) < 8 {
		return fmt.Errorf("invalid cache key %q", key)
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("invalid cache key %q", key)
		}
	}
	return nil
}

// FileStore keeps one file per key at <dir>/<key[0:2]>/<key>.entry
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key[:2], key+".entry"), nil
}

func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Create links a fully written temp file into place; the link fails if the
// key already exists, so readers never see a partial entry.
func (s *FileStore) Create(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := s.writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to publish cache entry: %w", err)
	}
	return nil
}

func (s *FileStore) Replace(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := s.writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}
	return nil
}

func (s *FileStore) writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache shard: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp entry: %w", err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write temp entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync temp entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close temp entry: %w", err)
	}
	return name, nil
}

func (s *FileStore) Close() error { return nil }
