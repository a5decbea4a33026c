package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relay-ai/relay/internal/config"
)

// memoryTriggers are the user phrasings that mark an observation worth
// keeping across turns.
var memoryTriggers = []string{
	"remember that ",
	"remember: ",
	"remember ",
}

// memoryStage writes observations extracted from this turn to the memory
// store. Best-effort: a failed write never fails the turn.
type memoryStage struct {
	deps *Deps
}

func (s *memoryStage) Name() string                 { return "memory_persist" }
func (s *memoryStage) Ordinal() int                 { return 60 }
func (s *memoryStage) Applies(tc *TurnContext) bool { return s.deps.Memory != nil }

func (s *memoryStage) Enabled(snap *config.Snapshot) bool { return true }

func (s *memoryStage) Process(ctx context.Context, tc *TurnContext) error {
	observation := extractObservation(tc.Input())
	if observation == "" {
		return nil
	}
	if err := s.deps.Memory.Remember(ctx, tc.Conversation.Key(), observation, "user"); err != nil {
		s.deps.Logger.Warn("memory persist failed",
			"conversation", tc.Conversation.Key(), "error", err)
	}
	return nil
}

// extractObservation pulls the fact out of an explicit "remember ..." request.
func extractObservation(text string) string {
	lower := strings.ToLower(text)
	for _, trigger := range memoryTriggers {
		if idx := strings.Index(lower, trigger); idx >= 0 {
			fact := strings.TrimSpace(text[idx+len(trigger):])
			if fact != "" {
				return fact
			}
		}
	}
	return ""
}

// Skill variable keys driving auto-transitions. A skill whose variables name
// a successor and a trigger phrase hands the conversation over when the
// assistant's final reply contains the phrase.
const (
	skillVarNext    = "next_skill"
	skillVarTrigger = "transition_on"
)

// skillStage applies skill auto-transition rules for the next turn.
type skillStage struct {
	deps *Deps
}

func (s *skillStage) Name() string                 { return "skill_transition" }
func (s *skillStage) Ordinal() int                 { return 70 }
func (s *skillStage) Applies(tc *TurnContext) bool { return tc.ActiveSkill() != nil }

func (s *skillStage) Enabled(snap *config.Snapshot) bool { return s.deps.Skills != nil }

func (s *skillStage) Process(ctx context.Context, tc *TurnContext) error {
	skill := tc.ActiveSkill()
	next := skill.Variables[skillVarNext]
	trigger := skill.Variables[skillVarTrigger]
	if next == "" || trigger == "" {
		return nil
	}
	reply := strings.ToLower(tc.lastAssistantText())
	if !strings.Contains(reply, strings.ToLower(trigger)) {
		return nil
	}
	successor := s.deps.Skills.Get(next)
	if successor == nil || !successor.Available {
		s.deps.Logger.Warn("skill transition target unavailable",
			"skill", skill.Name, "next", next)
		return nil
	}
	tc.Conversation.Skill = successor.Name
	s.deps.Logger.Info("skill transition",
		"conversation", tc.Conversation.Key(),
		"from", skill.Name, "to", successor.Name)
	return nil
}

const ragIndexTimeout = 10 * time.Second

// ragStage submits the turn's exchange to the retrieval service. Best-effort.
type ragStage struct {
	deps *Deps
}

func (s *ragStage) Name() string { return "rag_index" }
func (s *ragStage) Ordinal() int { return 80 }

func (s *ragStage) Applies(tc *TurnContext) bool {
	return s.deps.RAG != nil && s.deps.RAG.Available()
}

func (s *ragStage) Enabled(snap *config.Snapshot) bool { return snap.RAG.Enabled }

func (s *ragStage) Process(ctx context.Context, tc *TurnContext) error {
	reply := tc.lastAssistantText()
	if reply == "" {
		return nil
	}
	excerpt := fmt.Sprintf("[%s] user: %s\nassistant: %s",
		tc.Conversation.Key(), tc.Input(), reply)

	ictx, cancel := context.WithTimeout(ctx, ragIndexTimeout)
	defer cancel()
	if err := s.deps.RAG.Index(ictx, excerpt); err != nil {
		s.deps.Logger.Warn("rag indexing failed",
			"conversation", tc.Conversation.Key(), "error", err)
	}
	return nil
}
