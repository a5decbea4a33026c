// Package sessions is the durable conversation store. One JSON document per
// (channel, chat) pair lives behind the storage port; the store hands out deep
// copies so callers never mutate shared state.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

// Store persists conversations. A per-key mutex serializes writers so two
// saves of the same conversation never interleave.
type Store struct {
	storage      ports.Storage
	logger       *slog.Logger
	historyLimit int
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a conversation store. historyLimit bounds persisted
// messages per conversation; zero means unbounded.
func NewStore(storage ports.Storage, logger *slog.Logger, historyLimit int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage:      storage,
		logger:       logger,
		historyLimit: historyLimit,
		now:          time.Now,
		locks:        map[string]*sync.Mutex{},
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[key]
	if lock == nil {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func conversationPath(channel models.ChannelType, chatID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, chatID)
	return fmt.Sprintf("sessions/%s_%s.json", channel, safe)
}

// LoadOrCreate returns the conversation for the pair, creating an empty
// active one on first contact.
func (s *Store) LoadOrCreate(ctx context.Context, channel models.ChannelType, chatID string) (*models.Conversation, error) {
	lock := s.keyLock(models.ConversationKey(channel, chatID))
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.load(ctx, channel, chatID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	now := s.now().UTC()
	conv = &models.Conversation{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChatID:    chatID,
		State:     models.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persist(ctx, conv); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

func (s *Store) load(ctx context.Context, channel models.ChannelType, chatID string) (*models.Conversation, error) {
	path := conversationPath(channel, chatID)
	exists, err := s.storage.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := s.storage.GetText(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", path, err)
	}
	return &conv, nil
}

// Save persists the caller's copy, trimming history to the limit and bumping
// UpdatedAt. Timestamps normalize to UTC so round-trips compare equal.
func (s *Store) Save(ctx context.Context, conv *models.Conversation) error {
	lock := s.keyLock(conv.Key())
	lock.Lock()
	defer lock.Unlock()
	return s.persist(ctx, conv)
}

func (s *Store) persist(ctx context.Context, conv *models.Conversation) error {
	clone := conv.Clone()
	if s.historyLimit > 0 && len(clone.Messages) > s.historyLimit {
		clone.Messages = clone.Messages[len(clone.Messages)-s.historyLimit:]
	}
	clone.UpdatedAt = s.now().UTC()
	clone.CreatedAt = clone.CreatedAt.UTC()
	for i := range clone.Messages {
		clone.Messages[i].CreatedAt = clone.Messages[i].CreatedAt.UTC()
	}

	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.storage.PutText(ctx, conversationPath(conv.Channel, conv.ChatID), string(data)); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}

	conv.UpdatedAt = clone.UpdatedAt
	if s.historyLimit > 0 && len(conv.Messages) > s.historyLimit {
		conv.Messages = conv.Messages[len(conv.Messages)-s.historyLimit:]
	}
	return nil
}

// Clear drops the message history but keeps the conversation record.
func (s *Store) Clear(ctx context.Context, channel models.ChannelType, chatID string) error {
	lock := s.keyLock(models.ConversationKey(channel, chatID))
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.load(ctx, channel, chatID)
	if err != nil || conv == nil {
		return err
	}
	conv.Messages = nil
	conv.Skill = ""
	return s.persist(ctx, conv)
}

// Delete removes the conversation entirely.
func (s *Store) Delete(ctx context.Context, channel models.ChannelType, chatID string) error {
	lock := s.keyLock(models.ConversationKey(channel, chatID))
	lock.Lock()
	defer lock.Unlock()
	return s.storage.Delete(ctx, conversationPath(channel, chatID))
}

// List summarizes every stored conversation, most recently updated first.
func (s *Store) List(ctx context.Context) ([]models.ConversationSummary, error) {
	paths, err := s.storage.List(ctx, "sessions/")
	if err != nil {
		return nil, err
	}
	var out []models.ConversationSummary
	for _, path := range paths {
		if !strings.HasSuffix(path, ".json") {
			continue
		}
		data, err := s.storage.GetText(ctx, path)
		if err != nil {
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil {
			s.logger.Warn("skipping unreadable conversation", "path", path, "error", err)
			continue
		}
		out = append(out, models.ConversationSummary{
			ID:           conv.ID,
			Channel:      conv.Channel,
			ChatID:       conv.ChatID,
			MessageCount: len(conv.Messages),
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
