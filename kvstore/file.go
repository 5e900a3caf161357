package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// FileStore persists each key as a file under a base directory. Writes go
// through a temp file plus rename so a crash never leaves a torn blob.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the base directory if needed and returns a store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"FileStore", "NewFileStore", "base directory validation")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.WrapTransient(err, "FileStore", "NewFileStore", "create base directory")
	}
	return &FileStore{baseDir: baseDir}, nil
}

// path maps a key to a file name; keys are flat identifiers like "config".
func (f *FileStore) path(key string) string {
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(f.baseDir, safe+".json")
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "FileStore", "Get", "read blob")
	}
	return data, nil
}

// Put implements Store.
func (f *FileStore) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(key)
	tmp, err := os.CreateTemp(f.baseDir, ".put-*")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "Put", "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Put", "write blob")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Put", "close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return errors.WrapTransient(err, "FileStore", "Put", "rename blob")
	}
	return nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "FileStore", "Delete", "remove blob")
	}
	return nil
}
