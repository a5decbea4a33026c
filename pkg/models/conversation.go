package models

import (
	"fmt"
	"time"
)

// ConversationState marks whether a conversation accepts new turns.
type ConversationState string

const (
	ConversationActive   ConversationState = "active"
	ConversationArchived ConversationState = "archived"
)

// Conversation is the durable record for one (channel, chat) pair. Messages
// are append-only within a turn and totally ordered across persistence.
type Conversation struct {
	ID        string            `json:"id"`
	Channel   ChannelType       `json:"channel"`
	ChatID    string            `json:"chat_id"`
	State     ConversationState `json:"state"`
	Tier      string            `json:"tier,omitempty"`
	Skill     string            `json:"skill,omitempty"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Key returns the composite identity for a (channel, chat) pair.
func (c *Conversation) Key() string {
	return ConversationKey(c.Channel, c.ChatID)
}

// ConversationKey builds the composite conversation identity.
func ConversationKey(channel ChannelType, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Messages = append([]Message(nil), c.Messages...)
	if c.Metadata != nil {
		clone.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// ConversationSummary is the listing view returned by the session store.
type ConversationSummary struct {
	ID           string      `json:"id"`
	Channel      ChannelType `json:"channel"`
	ChatID       string      `json:"chat_id"`
	MessageCount int         `json:"message_count"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
