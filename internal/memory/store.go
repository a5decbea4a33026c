// Package memory persists durable observations extracted from conversations
// so later turns can recall them. Observations append to one JSONL log per
// conversation scope.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relay-ai/relay/internal/ports"
)

// Observation is one remembered fact.
type Observation struct {
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store reads and writes observation logs through the storage port.
type Store struct {
	storage ports.Storage
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore builds an observation store.
func NewStore(storage ports.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storage: storage, logger: logger, now: time.Now}
}

func scopePath(scope string) string {
	return fmt.Sprintf("memory/%s.jsonl", strings.ReplaceAll(scope, ":", "_"))
}

// Remember appends one observation to the scope's log.
func (s *Store) Remember(ctx context.Context, scope, text, source string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	obs := Observation{Text: text, Source: source, Timestamp: s.now().UTC()}
	line, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return s.storage.AppendText(ctx, scopePath(scope), string(line)+"\n")
}

// All returns every observation in the scope, oldest first. Unparseable lines
// are skipped.
func (s *Store) All(ctx context.Context, scope string) ([]Observation, error) {
	data, err := s.storage.GetText(ctx, scopePath(scope))
	if err != nil {
		return nil, nil // no log yet
	}
	var out []Observation
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obs Observation
		if err := json.Unmarshal([]byte(line), &obs); err != nil {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// Search returns observations whose text contains the query, newest first,
// capped at limit. Matching is case-insensitive substring; scopes are small
// enough that a scan beats maintaining an index.
func (s *Store) Search(ctx context.Context, scope, query string, limit int) ([]Observation, error) {
	all, err := s.All(ctx, scope)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var matched []Observation
	for i := len(all) - 1; i >= 0; i-- {
		if needle == "" || strings.Contains(strings.ToLower(all[i].Text), needle) {
			matched = append(matched, all[i])
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

// Clear removes the scope's log.
func (s *Store) Clear(ctx context.Context, scope string) error {
	return s.storage.Delete(ctx, scopePath(scope))
}
