package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	stdsync "sync"
)

// Persistence is the storage port for conflict state. One serialized
// array of Records lives under a single well-known key; the in-memory
// adapter serves tests, the file adapter serves production.
type Persistence interface {
	Load() ([]Record, error)
	Save([]Record) error
	Clear() error
}

// MemoryPersistence is an in-memory Persistence adapter for tests.
type MemoryPersistence struct {
	mu    stdsync.Mutex
	saved []Record
}

// NewMemoryPersistence returns an empty in-memory adapter.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// Load implements Persistence.
func (m *MemoryPersistence) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Record(nil), m.saved...), nil
}

// Save implements Persistence.
func (m *MemoryPersistence) Save(records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saved = append([]Record(nil), records...)

	return nil
}

// Clear implements Persistence.
func (m *MemoryPersistence) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saved = nil

	return nil
}

// filePerms restricts the conflict file to owner read/write.
const filePerms = 0o600

// FilePersistence stores the conflict array as a JSON file in the data
// directory.
type FilePersistence struct {
	path string
}

// NewFilePersistence returns a file-backed adapter writing to path.
func NewFilePersistence(path string) *FilePersistence {
	return &FilePersistence{path: path}
}

// Load implements Persistence. A missing file yields no conflicts.
func (f *FilePersistence) Load() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("conflict: reading %s: %w", f.path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("conflict: decoding %s: %w", f.path, err)
	}

	return records, nil
}

// Save implements Persistence with an atomic temp-file-and-rename
// write, mirroring the session file handling.
func (f *FilePersistence) Save(records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("conflict: encoding: %w", err)
	}

	dir := filepath.Dir(f.path)
	if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
		return fmt.Errorf("conflict: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".conflicts-*.tmp")
	if err != nil {
		return fmt.Errorf("conflict: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("conflict: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("conflict: writing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("conflict: closing: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("conflict: renaming: %w", err)
	}

	success = true

	return nil
}

// Clear implements Persistence. A missing file is not an error.
func (f *FilePersistence) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("conflict: removing %s: %w", f.path, err)
	}

	return nil
}

// compile-time checks
var (
	_ Persistence = (*MemoryPersistence)(nil)
	_ Persistence = (*FilePersistence)(nil)
)
