// Package storage persists small JSON documents (theme preference, agent
// settings and history) under the data directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Storage stores one JSON file per key path. Writes are atomic and guarded
// by a per-file lock so that several host processes can share a data
// directory.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// Root returns the storage directory.
func (s *Storage) Root() string {
	return s.basePath
}

func (s *Storage) file(path []string) string {
	return filepath.Join(append([]string{s.basePath}, path...)...) + ".json"
}

func (s *Storage) dir(path []string) string {
	return filepath.Join(append([]string{s.basePath}, path...)...)
}

// Get decodes the document at path into v.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	return s.read(s.file(path), v)
}

func (s *Storage) read(filePath string, v any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filePath, err)
	}
	return nil
}

// Put replaces the document at path.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	filePath := s.file(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.lock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	return s.write(filePath, v)
}

// Update reads the document at path into v, lets fn modify it and writes
// it back, all under the file lock. found reports whether the document
// existed. Returning an error from fn aborts without writing.
func (s *Storage) Update(ctx context.Context, path []string, v any, fn func(found bool) error) error {
	filePath := s.file(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.lock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	err := s.read(filePath, v)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := fn(err == nil); err != nil {
		return err
	}
	return s.write(filePath, v)
}

// write marshals v to a temp file and renames it over filePath.
func (s *Storage) write(filePath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes the document at path. Missing documents are not an error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath := s.file(path)

	lock := s.lock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// List returns the sorted keys (documents and sub-directories) under path.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	entries, err := os.ReadDir(s.dir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			items = append(items, name)
		case strings.HasSuffix(name, ".json"):
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(items)
	return items, nil
}

// Exists reports whether a document exists at path.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	_, err := os.Stat(s.file(path))
	return err == nil
}

// FilePath returns the file backing path, e.g. for watching it.
func (s *Storage) FilePath(path ...string) string {
	return s.file(path)
}

func (s *Storage) lock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[filePath]
	if !ok {
		l = NewFileLock(filePath)
		s.locks[filePath] = l
	}
	return l
}
