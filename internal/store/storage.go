// Package store implements the persistent state of the chatrelay server: the
// registered-user table and the capped message log, both backed by flat JSON
// documents behind an injectable Storage interface.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage persists a single JSON document. Implementations must make Save
// atomic with respect to concurrent Load calls; partial writes must never be
// observable. The whole document is rewritten on every Save (last write wins).
type Storage interface {
	Load(v any) error
	Save(v any) error
}

// FileStorage stores the document as a JSON file on disk. Save writes to a
// temporary file in the same directory and renames it over the target so a
// crash mid-write leaves the previous document intact.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage returns a FileStorage writing to path. The parent directory
// is created if it does not exist.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("store: empty file path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
	}
	return &FileStorage{path: path}, nil
}

// Load unmarshals the file into v. A missing file is not an error; v is left
// untouched so callers start from their zero state.
func (fs *FileStorage) Load(v any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", fs.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", fs.path, err)
	}
	return nil
}

// Save marshals v and atomically replaces the file contents.
func (fs *FileStorage) Save(v any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", fs.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), filepath.Base(fs.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: replace %s: %w", fs.path, err)
	}
	return nil
}

// MemStorage keeps the marshaled document in memory. It is used by tests and
// can simulate persistence failures via FailSaves.
type MemStorage struct {
	mu        sync.Mutex
	data      []byte
	saves     int
	FailSaves bool
}

// NewMemStorage returns an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{}
}

var errSaveFailed = errors.New("store: save failed")

func (ms *MemStorage) Load(v any) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.data) == 0 {
		return nil
	}
	return json.Unmarshal(ms.data, v)
}

func (ms *MemStorage) Save(v any) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.FailSaves {
		return errSaveFailed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ms.data = data
	ms.saves++
	return nil
}

// Saves reports how many successful Save calls have happened.
func (ms *MemStorage) Saves() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.saves
}
