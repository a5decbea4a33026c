package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Storage implementation for tests and local
// runs without a data directory.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]string)}
}

func normalize(path string) string {
	return strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
}

func (m *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := normalize(path)
	if _, ok := m.files[key]; ok {
		return true, nil
	}
	prefix := key + "/"
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) GetText(ctx context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.files[normalize(path)]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return content, nil
}

func (m *MemoryStore) PutText(ctx context.Context, path string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[normalize(path)] = content
	return nil
}

func (m *MemoryStore) AppendText(ctx context.Context, path string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalize(path)
	m.files[key] += content
	return nil
}

// List returns every file under dir, recursively, as root-relative paths.
func (m *MemoryStore) List(ctx context.Context, dir string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := normalize(dir)
	if prefix != "" {
		prefix += "/"
	}
	var paths []string
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			paths = append(paths, k)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalize(path)
	delete(m.files, key)
	prefix := key + "/"
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			delete(m.files, k)
		}
	}
	return nil
}
