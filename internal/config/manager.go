package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ChangeEvent is published after a snapshot swap.
type ChangeEvent struct {
	// Source is "mutate" for programmatic updates, "reload" for file
	// watcher reloads.
	Source string
}

// Manager owns the current Snapshot. Reads are lock-free pointer
// dereferences; writes serialize through the manager, persist to disk, and
// publish a change event.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	subscribers []chan ChangeEvent
}

// NewManager wraps an initial snapshot. path may be empty for in-memory
// configurations (tests); mutations then skip persistence.
func NewManager(snap *Snapshot, path string, logger *slog.Logger) *Manager {
	if snap == nil {
		snap = Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(snap)
	return m
}

// Load reads the config file, applies defaults for absent fields, and
// returns a manager. Environment variables in the file are expanded.
func Load(path string, logger *slog.Logger) (*Manager, error) {
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return NewManager(snap, path, logger), nil
}

func loadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	snap := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), snap); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return snap, nil
}

// Snapshot returns the current immutable configuration view.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Subscribe returns a channel receiving change events. The channel is
// buffered; slow subscribers drop events rather than block writers.
func (m *Manager) Subscribe() <-chan ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan ChangeEvent, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Update applies fn to a copy of the current snapshot, persists it, swaps
// the pointer, and publishes a change event.
func (m *Manager) Update(fn func(*Snapshot)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.current.Load()
	fn(&next)

	if m.path != "" {
		if err := persistSnapshot(m.path, &next); err != nil {
			return err
		}
	}
	m.current.Store(&next)
	m.publishLocked(ChangeEvent{Source: "mutate"})
	return nil
}

func persistSnapshot(path string, snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (m *Manager) publishLocked(ev ChangeEvent) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Watch reloads the snapshot when the config file changes on disk. It blocks
// until the context is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	target := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			m.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	snap, err := loadSnapshot(m.path)
	if err != nil {
		m.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
		return
	}
	m.mu.Lock()
	m.current.Store(snap)
	m.publishLocked(ChangeEvent{Source: "reload"})
	m.mu.Unlock()
	m.logger.Info("config reloaded")
}
