// Package config is the process-wide runtime configuration surface. Readers
// take lock-free snapshots; writers go through the Manager, which persists
// the file and publishes a change event. Secrets are never echoed back in
// plaintext.
package config

import (
	"encoding/json"
	"time"

	"github.com/relay-ai/relay/pkg/models"
)

// Secret is a sensitive config value. JSON marshalling reports only presence
// so snapshots can be served to a dashboard without leaking plaintext.
type Secret string

// Present reports whether the secret is set.
func (s Secret) Present() bool { return s != "" }

// Reveal returns the plaintext for use at provider boundaries.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]bool{"present": s.Present()})
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[secret]"
}

// TierConfig resolves a symbolic tier to a concrete model and reasoning
// level.
type TierConfig struct {
	Model     string `yaml:"model" json:"model"`
	Reasoning string `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
}

// ProviderConfig holds credentials for one LLM provider.
type ProviderConfig struct {
	APIKey  Secret `yaml:"api_key,omitempty" json:"api_key"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// TurnConfig bounds the turn pipeline and its tool loop.
type TurnConfig struct {
	MaxLLMCalls        int           `yaml:"max_llm_calls" json:"max_llm_calls"`
	MaxToolExecutions  int           `yaml:"max_tool_executions" json:"max_tool_executions"`
	Deadline           time.Duration `yaml:"deadline" json:"deadline"`
	LLMCallTimeout     time.Duration `yaml:"llm_call_timeout" json:"llm_call_timeout"`
	MaxToolResultChars int           `yaml:"max_tool_result_chars" json:"max_tool_result_chars"`

	StopOnToolFailure        bool `yaml:"stop_on_tool_failure" json:"stop_on_tool_failure"`
	StopOnConfirmationDenied bool `yaml:"stop_on_confirmation_denied" json:"stop_on_confirmation_denied"`
	StopOnToolPolicyDenied   bool `yaml:"stop_on_tool_policy_denied" json:"stop_on_tool_policy_denied"`

	ConfirmationEnabled bool          `yaml:"confirmation_enabled" json:"confirmation_enabled"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" json:"confirmation_timeout"`

	Workers         int `yaml:"workers" json:"workers"`
	MailboxCapacity int `yaml:"mailbox_capacity" json:"mailbox_capacity"`

	// CompactionThreshold is the token estimate fraction of the context
	// window that triggers auto-compaction.
	CompactionThreshold float64 `yaml:"compaction_threshold" json:"compaction_threshold"`
	CompactionKeepLast  int     `yaml:"compaction_keep_last" json:"compaction_keep_last"`
	ContextWindowTokens int     `yaml:"context_window_tokens" json:"context_window_tokens"`
}

// MCPConfig holds the pool defaults.
type MCPConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// SecurityConfig toggles input sanitization and injection detection.
type SecurityConfig struct {
	SanitizeInput     bool `yaml:"sanitize_input" json:"sanitize_input"`
	DetectInjection   bool `yaml:"detect_injection" json:"detect_injection"`
	RejectOnInjection bool `yaml:"reject_on_injection" json:"reject_on_injection"`
}

// InviteConfig governs the invite admission flow.
type InviteConfig struct {
	Codes             []Secret      `yaml:"codes,omitempty" json:"codes"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts" json:"max_failed_attempts"`
	Cooldown          time.Duration `yaml:"cooldown" json:"cooldown"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Token     Secret   `yaml:"token,omitempty" json:"token"`
	AllowList []string `yaml:"allow_list,omitempty" json:"allow_list,omitempty"`
	MaxLength int      `yaml:"max_length" json:"max_length"`
}

// WebhookMapping configures one inbound webhook source.
type WebhookMapping struct {
	Secret   Secret `yaml:"secret,omitempty" json:"secret"`
	Template string `yaml:"template" json:"template"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
}

// VoiceConfig configures the voice port usage.
type VoiceConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Voice   string `yaml:"voice,omitempty" json:"voice,omitempty"`
	Prefix  string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// RAGConfig configures retrieval indexing.
type RAGConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Mode    string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// UsageConfig configures the usage tracker.
type UsageConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Dir       string        `yaml:"dir,omitempty" json:"dir,omitempty"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// SessionConfig bounds conversation history handling.
type SessionConfig struct {
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Snapshot is one immutable view of the full runtime configuration. Readers
// must not mutate a snapshot; writers build a new one through the Manager.
type Snapshot struct {
	DataDir      string                    `yaml:"data_dir" json:"data_dir"`
	Logging      LoggingConfig             `yaml:"logging" json:"logging"`
	Providers    map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
	Tiers        map[string]TierConfig     `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	DefaultTier  string                    `yaml:"default_tier" json:"default_tier"`
	Turn         TurnConfig                `yaml:"turn" json:"turn"`
	MCP          MCPConfig                 `yaml:"mcp" json:"mcp"`
	Security     SecurityConfig            `yaml:"security" json:"security"`
	Invite       InviteConfig              `yaml:"invite" json:"invite"`
	Telegram     TelegramConfig            `yaml:"telegram" json:"telegram"`
	Webhooks     map[string]WebhookMapping `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Voice        VoiceConfig               `yaml:"voice" json:"voice"`
	RAG          RAGConfig                 `yaml:"rag" json:"rag"`
	Usage        UsageConfig               `yaml:"usage" json:"usage"`
	Session      SessionConfig             `yaml:"session" json:"session"`
	SkillsDir    string                    `yaml:"skills_dir,omitempty" json:"skills_dir,omitempty"`
	SystemPrompt string                    `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// Default returns a snapshot with every tunable at its documented default.
func Default() *Snapshot {
	return &Snapshot{
		DataDir:     "data",
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		DefaultTier: "balanced",
		Tiers: map[string]TierConfig{
			"routing":  {Model: "fast-model"},
			"balanced": {Model: "default-model"},
			"smart":    {Model: "smart-model", Reasoning: "medium"},
			"coding":   {Model: "coding-model"},
			"deep":     {Model: "smart-model", Reasoning: "high"},
		},
		Turn: TurnConfig{
			MaxLLMCalls:              200,
			MaxToolExecutions:        500,
			Deadline:                 time.Hour,
			LLMCallTimeout:           5 * time.Minute,
			MaxToolResultChars:       100_000,
			StopOnConfirmationDenied: true,
			ConfirmationTimeout:      2 * time.Minute,
			Workers:                  8,
			MailboxCapacity:          16,
			CompactionThreshold:      0.8,
			CompactionKeepLast:       10,
			ContextWindowTokens:      128_000,
		},
		MCP: MCPConfig{
			Enabled:        true,
			StartupTimeout: 30 * time.Second,
			IdleTimeout:    5 * time.Minute,
			RequestTimeout: 60 * time.Second,
		},
		Security: SecurityConfig{
			SanitizeInput:   true,
			DetectInjection: true,
		},
		Invite: InviteConfig{
			MaxFailedAttempts: 3,
			Cooldown:          30 * time.Second,
		},
		Telegram: TelegramConfig{MaxLength: 4096},
		Voice:    VoiceConfig{Prefix: "[voice]"},
		Usage: UsageConfig{
			Enabled:   true,
			Dir:       "usage",
			Retention: 30 * 24 * time.Hour,
		},
		Session: SessionConfig{HistoryLimit: 200},
	}
}

// ResolveTier maps a symbolic tier to its model config, falling back to the
// default tier for unknown names.
func (s *Snapshot) ResolveTier(tier string) (string, TierConfig) {
	if tc, ok := s.Tiers[tier]; ok {
		return tier, tc
	}
	if tc, ok := s.Tiers[s.DefaultTier]; ok {
		return s.DefaultTier, tc
	}
	return tier, TierConfig{}
}

// ChannelAllowList returns the allow-list for a channel type.
func (s *Snapshot) ChannelAllowList(channel models.ChannelType) []string {
	switch channel {
	case models.ChannelTelegram:
		return s.Telegram.AllowList
	default:
		return nil
	}
}

// InviteCodes returns the configured invite codes in plaintext for
// redemption checks.
func (s *Snapshot) InviteCodes() []string {
	codes := make([]string, 0, len(s.Invite.Codes))
	for _, c := range s.Invite.Codes {
		if c.Present() {
			codes = append(codes, c.Reveal())
		}
	}
	return codes
}
