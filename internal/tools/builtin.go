package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relay-ai/relay/internal/memory"
	"github.com/relay-ai/relay/pkg/models"
)

// TimeTool reports the current time, optionally in a named IANA zone.
type TimeTool struct {
	Now func() time.Time
}

func (t *TimeTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name, e.g. Europe/Lisbon"}
			},
			"additionalProperties": false
		}`),
	}
}

func (t *TimeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		json.Unmarshal(args, &params)
	}
	at := now()
	if params.Timezone != "" {
		loc, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", params.Timezone)
		}
		at = at.In(loc)
	}
	return at.Format("Monday, 2 January 2006 15:04:05 MST"), nil
}

type scopeKey struct{}

// WithConversationScope tags the context with the conversation identity so
// scope-aware tools know which records they may touch.
func WithConversationScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ConversationScope extracts the scope set by WithConversationScope.
func ConversationScope(ctx context.Context) string {
	scope, _ := ctx.Value(scopeKey{}).(string)
	return scope
}

// MemorySearchTool looks up remembered observations for the current
// conversation. The scope comes from the turn, not the LLM, so one
// conversation can never read another's memory.
type MemorySearchTool struct {
	Store *memory.Store
	Scope func(ctx context.Context) string
}

func (m *MemorySearchTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "memory_search",
		Description: "Search long-term memory for facts remembered from earlier conversations.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Text to search for"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

func (m *MemorySearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", err
	}
	if params.Limit <= 0 {
		params.Limit = 5
	}
	scope := ""
	if m.Scope != nil {
		scope = m.Scope(ctx)
	}
	found, err := m.Store.Search(ctx, scope, params.Query, params.Limit)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "No matching memories.", nil
	}
	var b strings.Builder
	for _, obs := range found {
		fmt.Fprintf(&b, "- %s (%s)\n", obs.Text, obs.Timestamp.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
