// Package models defines the shared data types exchanged between channels,
// the turn pipeline, session storage, and tool providers.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies a messaging transport.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelWebhook  ChannelType = "webhook"
	ChannelCLI      ChannelType = "cli"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels and the
// conversation log. A tool message references the tool call that produced it
// through ToolCallID.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Voice      *VoiceMeta     `json:"voice,omitempty"`
	Model      string         `json:"model,omitempty"`
	Tier       string         `json:"tier,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// VoiceMeta records transcription details for voice messages.
type VoiceMeta struct {
	Duration   int    `json:"duration,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool offered to the LLM for one turn. The
// parameter schema is JSON-Schema shaped.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Sensitive   bool            `json:"sensitive,omitempty"`
}

// TokenUsage reports token counts and latency for a single LLM call.
type TokenUsage struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Latency      time.Duration `json:"latency,omitempty"`
}

// InboundEvent is a normalized event received from a channel adapter.
type InboundEvent struct {
	Channel    ChannelType    `json:"channel"`
	ChatID     string         `json:"chat_id"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	Text       string         `json:"text"`
	Voice      *VoiceMeta     `json:"voice,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// OutgoingResponse is the payload a turn delivers back to its channel.
type OutgoingResponse struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Voice  bool   `json:"voice,omitempty"`
}
