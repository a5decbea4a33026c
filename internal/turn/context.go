// Package turn contains the agent turn orchestrator: an ordered pipeline of
// stages run over a single TurnContext, the bounded LLM/tool inner loop, and
// the coordinator that serializes turns per conversation.
package turn

import (
	"fmt"
	"time"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/security"
	"github.com/relay-ai/relay/internal/tools"
	"github.com/relay-ai/relay/pkg/models"
)

// Canonical attribute keys. Stages communicate exclusively through these;
// Set rejects anything else so a stage cannot invent a private side channel.
const (
	AttrSanitizedInput = "sanitized_input"
	AttrThreats        = "threats"
	AttrSystemPrompt   = "system_prompt"
	AttrToolRegistry   = "tool_registry"
	AttrModelSelection = "model_selection"
	AttrActiveSkill    = "active_skill"
	AttrMemoryContext  = "memory_context"
	AttrOutgoing       = "outgoing_response"
	AttrTerminalReason = "terminal_reason"
)

var canonicalAttrs = map[string]struct{}{
	AttrSanitizedInput: {},
	AttrThreats:        {},
	AttrSystemPrompt:   {},
	AttrToolRegistry:   {},
	AttrModelSelection: {},
	AttrActiveSkill:    {},
	AttrMemoryContext:  {},
	AttrOutgoing:       {},
	AttrTerminalReason: {},
}

// ModelSelection resolves a symbolic tier to a concrete model call.
type ModelSelection struct {
	Tier      string
	Model     string
	Reasoning string
}

// TurnContext is the mutable state threaded through pipeline stages. It lives
// for exactly one turn.
type TurnContext struct {
	Event        *models.InboundEvent
	Conversation *models.Conversation
	Config       *config.Snapshot
	StartedAt    time.Time

	LLMCalls       int
	ToolExecutions int

	attrs map[string]any
}

// NewTurnContext builds the per-turn state for one inbound event.
func NewTurnContext(event *models.InboundEvent, conv *models.Conversation, snap *config.Snapshot) *TurnContext {
	return &TurnContext{
		Event:        event,
		Conversation: conv,
		Config:       snap,
		StartedAt:    time.Now(),
		attrs:        map[string]any{},
	}
}

// Set stores a canonical attribute. Unknown keys are a programming error and
// panic so they surface in tests rather than silently coupling stages.
func (tc *TurnContext) Set(key string, value any) {
	if _, ok := canonicalAttrs[key]; !ok {
		panic(fmt.Sprintf("turn: unknown attribute %q", key))
	}
	tc.attrs[key] = value
}

// Get returns a canonical attribute when present.
func (tc *TurnContext) Get(key string) (any, bool) {
	v, ok := tc.attrs[key]
	return v, ok
}

// Input returns the sanitized user text, falling back to the raw event text
// before the sanitize stage has run.
func (tc *TurnContext) Input() string {
	if v, ok := tc.attrs[AttrSanitizedInput]; ok {
		return v.(string)
	}
	return tc.Event.Text
}

// Threats returns the injection annotations from the sanitize stage.
func (tc *TurnContext) Threats() []security.Threat {
	v, _ := tc.attrs[AttrThreats].([]security.Threat)
	return v
}

// SystemPrompt returns the assembled system prompt.
func (tc *TurnContext) SystemPrompt() string {
	v, _ := tc.attrs[AttrSystemPrompt].(string)
	return v
}

// Tools returns the per-turn tool registry, nil before the context stage.
func (tc *TurnContext) Tools() *tools.Registry {
	v, _ := tc.attrs[AttrToolRegistry].(*tools.Registry)
	return v
}

// Selection returns the current model selection.
func (tc *TurnContext) Selection() ModelSelection {
	v, _ := tc.attrs[AttrModelSelection].(ModelSelection)
	return v
}

// ActiveSkill returns the resolved skill for this turn, nil when none.
func (tc *TurnContext) ActiveSkill() *models.Skill {
	v, _ := tc.attrs[AttrActiveSkill].(*models.Skill)
	return v
}

// Outgoing returns the prepared response, nil until response preparation.
func (tc *TurnContext) Outgoing() *models.OutgoingResponse {
	v, _ := tc.attrs[AttrOutgoing].(*models.OutgoingResponse)
	return v
}

// TerminalReason reports why the tool loop stopped early, empty for a normal
// completion.
func (tc *TurnContext) TerminalReason() string {
	v, _ := tc.attrs[AttrTerminalReason].(string)
	return v
}

// lastAssistantText returns the content of the most recent assistant message
// with non-empty content.
func (tc *TurnContext) lastAssistantText() string {
	msgs := tc.Conversation.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
