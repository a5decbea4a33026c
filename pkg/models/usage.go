package models

import "time"

// UsageRecord captures one LLM call for the usage tracker. Persisted as one
// JSON object per line in the usage log.
type UsageRecord struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Latency      time.Duration `json:"latency_ms,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Skill is a named, markdown-defined behavior profile. A skill may declare an
// MCP launch spec; the client pool borrows it when starting a server process.
type Skill struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Body        string            `json:"-"`
	Variables   map[string]string `json:"variables,omitempty"`
	MCP         *MCPLaunchSpec    `json:"mcp,omitempty"`
	Available   bool              `json:"available"`
}

// MCPLaunchSpec declares how to start a skill's MCP server subprocess.
type MCPLaunchSpec struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	StartupTimeout time.Duration     `json:"startup_timeout,omitempty"`
	IdleTimeout    time.Duration     `json:"idle_timeout,omitempty"`
	RequestTimeout time.Duration     `json:"request_timeout,omitempty"`
}
