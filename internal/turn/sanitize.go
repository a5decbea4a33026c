package turn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/sessions"
	"github.com/relay-ai/relay/pkg/models"
)

// sanitizeStage normalizes the inbound text, annotates injection threats, and
// appends the user message to the conversation history.
type sanitizeStage struct {
	deps *Deps
}

func (s *sanitizeStage) Name() string                 { return "sanitize" }
func (s *sanitizeStage) Ordinal() int                 { return 10 }
func (s *sanitizeStage) Applies(tc *TurnContext) bool { return true }

func (s *sanitizeStage) Enabled(snap *config.Snapshot) bool { return true }

func (s *sanitizeStage) Process(ctx context.Context, tc *TurnContext) error {
	text := tc.Event.Text
	sec := tc.Config.Security

	if sec.SanitizeInput {
		sanitizer := *s.deps.Sanitizer
		sanitizer.DetectInjection = sec.DetectInjection
		result := sanitizer.Sanitize(text)
		text = result.Text
		tc.Set(AttrThreats, result.Threats)

		if sec.RejectOnInjection && len(result.Threats) > 0 {
			s.deps.Logger.Warn("rejecting suspicious input",
				"conversation", tc.Conversation.Key(),
				"threats", len(result.Threats))
			return errdefs.New(errdefs.KindUserInputInvalid,
				"your message was rejected because it matched a known injection pattern")
		}
	}
	if text == "" {
		return errdefs.New(errdefs.KindUserInputInvalid, "empty message")
	}
	tc.Set(AttrSanitizedInput, text)

	msg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Voice:     tc.Event.Voice,
		CreatedAt: s.deps.Now().UTC(),
	}
	tc.Conversation.Messages = append(tc.Conversation.Messages, msg)
	return nil
}

// compactStage rewrites long histories before the context is assembled: when
// the token estimate nears the model window, older messages collapse into a
// single system summary.
type compactStage struct {
	deps *Deps
}

func (s *compactStage) Name() string                 { return "compact" }
func (s *compactStage) Ordinal() int                 { return 20 }
func (s *compactStage) Applies(tc *TurnContext) bool { return len(tc.Conversation.Messages) > 1 }

func (s *compactStage) Enabled(snap *config.Snapshot) bool {
	return snap.Turn.CompactionThreshold > 0 && snap.Turn.ContextWindowTokens > 0
}

func (s *compactStage) Process(ctx context.Context, tc *TurnContext) error {
	turnCfg := tc.Config.Turn
	estimate := estimateHistoryTokens(tc.Config.SystemPrompt, tc.Conversation.Messages)
	limit := int(float64(turnCfg.ContextWindowTokens) * turnCfg.CompactionThreshold)
	if estimate < limit {
		return nil
	}

	s.deps.Logger.Info("compacting history",
		"conversation", tc.Conversation.Key(),
		"estimated_tokens", estimate,
		"limit", limit)

	_, tier := tc.Config.ResolveTier(tc.Conversation.Tier)
	compactor := sessions.NewCompactor(s.deps.LLM, tier.Model, turnCfg.CompactionKeepLast, s.deps.Logger)
	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	compactor.Compact(cctx, tc.Conversation)
	return nil
}
