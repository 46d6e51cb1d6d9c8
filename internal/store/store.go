// Package store persists orchestrator state as small JSON documents on
// the local filesystem. Every write goes through an atomic replace
// (temp file, fsync, rename) so readers never observe a torn document,
// and every document is guarded by an advisory per-file lock so
// concurrent server and CLI processes stay consistent.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewkit/crewkit/internal/common/fslock"
)

// Store is a document-grained JSON store rooted at <root>/state. It
// exposes only whole-document reads and writes; callers compose
// read-modify-write sequences under Lock.
type Store struct {
	dir      string
	lockFile string
}

// New creates the state directory if needed and returns a store over it.
func New(root string) (*Store, error) {
	dir := filepath.Join(root, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{
		dir:      dir,
		lockFile: filepath.Join(dir, ".state.lock"),
	}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a named document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Lock acquires the coarse state lock serializing multi-document
// read-modify-write sequences. The lock is not reentrant; helpers
// called while holding it must not acquire it again.
func (s *Store) Lock() (fslock.Release, error) {
	return fslock.Exclusive(s.lockFile)
}

// Get reads a document into v under a shared per-document lock. A
// missing document leaves v untouched and returns false.
func (s *Store) Get(name string, v interface{}) (bool, error) {
	path := s.Path(name)
	release, err := fslock.Shared(fslock.PathFor(path))
	if err != nil {
		return false, err
	}
	defer release()
	return ReadFile(path, v)
}

// Put atomically replaces a document under an exclusive per-document
// lock.
func (s *Store) Put(name string, v interface{}) error {
	path := s.Path(name)
	release, err := fslock.Exclusive(fslock.PathFor(path))
	if err != nil {
		return err
	}
	defer release()
	return WriteAtomic(path, v)
}

// ReadFile decodes the JSON document at path into v. It reports false
// with a nil error when the file does not exist.
func ReadFile(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// WriteAtomic marshals v as indented JSON and atomically replaces the
// file at path. The document is flushed to disk before the rename and
// the parent directory is synced best-effort afterwards, so a crash
// leaves either the old or the new content, never a partial write.
func WriteAtomic(path string, v interface{}) error {
	data, err := MarshalDocument(v)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	syncDir(dir)
	return nil
}

// MarshalDocument renders v in the store's canonical form: two-space
// indentation and a trailing newline. Struct fields keep declaration
// order and map keys are sorted, so re-serializing a document yields
// identical bytes.
func MarshalDocument(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return buf.Bytes(), nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	// Directory fsync is unsupported on some platforms; the rename is
	// already durable enough there.
	_ = d.Sync()
}
