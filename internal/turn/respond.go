package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/pkg/models"
)

const fallbackReply = "I received your message but could not produce a reply. Please try again."

// responseStage builds the outbound payload from the final assistant message,
// detecting the voice prefix when voice replies are enabled.
type responseStage struct {
	deps *Deps
}

func (s *responseStage) Name() string                 { return "response_prep" }
func (s *responseStage) Ordinal() int                 { return 90 }
func (s *responseStage) Applies(tc *TurnContext) bool { return true }

func (s *responseStage) Enabled(snap *config.Snapshot) bool { return true }

func (s *responseStage) Process(ctx context.Context, tc *TurnContext) error {
	text := tc.lastAssistantText()
	if text == "" {
		return nil
	}

	voice := false
	voiceCfg := tc.Config.Voice
	if voiceCfg.Enabled && voiceCfg.Prefix != "" && strings.HasPrefix(text, voiceCfg.Prefix) {
		voice = true
		text = strings.TrimSpace(strings.TrimPrefix(text, voiceCfg.Prefix))
	}
	if text == "" {
		return nil
	}
	tc.Set(AttrOutgoing, &models.OutgoingResponse{
		ChatID: tc.Event.ChatID,
		Text:   text,
		Voice:  voice,
	})
	return nil
}

// feedbackStage guarantees the user always hears back: when nothing upstream
// produced an outbound payload, it synthesizes one.
type feedbackStage struct {
	deps *Deps
}

func (s *feedbackStage) Name() string                 { return "feedback_guarantee" }
func (s *feedbackStage) Ordinal() int                 { return 100 }
func (s *feedbackStage) Applies(tc *TurnContext) bool { return true }

func (s *feedbackStage) Enabled(snap *config.Snapshot) bool { return true }

func (s *feedbackStage) Process(ctx context.Context, tc *TurnContext) error {
	if out := tc.Outgoing(); out != nil && out.Text != "" {
		return nil
	}
	s.deps.Logger.Warn("no response produced, synthesizing fallback",
		"conversation", tc.Conversation.Key(),
		"terminal_reason", tc.TerminalReason())
	tc.Set(AttrOutgoing, &models.OutgoingResponse{
		ChatID: tc.Event.ChatID,
		Text:   fallbackReply,
	})
	return nil
}

// routingStage delivers the response through the originating channel adapter.
// Chunking, format fallback, and retry live inside the adapter.
type routingStage struct {
	deps *Deps
}

func (s *routingStage) Name() string                 { return "routing" }
func (s *routingStage) Ordinal() int                 { return 110 }
func (s *routingStage) Applies(tc *TurnContext) bool { return tc.Outgoing() != nil }

func (s *routingStage) Enabled(snap *config.Snapshot) bool { return s.deps.Channels != nil }

func (s *routingStage) Process(ctx context.Context, tc *TurnContext) error {
	adapter, ok := s.deps.Channels.Get(tc.Event.Channel)
	if !ok {
		return errdefs.New(errdefs.KindInternal,
			fmt.Sprintf("no adapter registered for channel %s", tc.Event.Channel))
	}
	if err := adapter.Send(ctx, tc.Outgoing()); err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamUnavailable, "deliver response", err)
	}
	return nil
}
