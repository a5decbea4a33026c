package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

const summarySystemPrompt = "Summarize the conversation below in a compact form that preserves " +
	"facts, decisions, open tasks, and user preferences. Reply with the summary only."

// Compactor shrinks long histories. It asks the LLM for a summary of the
// older messages and replaces them with a single system message; when the
// summarization call fails, it falls back to plain truncation so the turn can
// still proceed.
type Compactor struct {
	llm      ports.LLM
	model    string
	keepLast int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCompactor builds a compactor. llm may be nil; compaction then always
// truncates.
func NewCompactor(llm ports.LLM, model string, keepLast int, logger *slog.Logger) *Compactor {
	if keepLast <= 0 {
		keepLast = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{llm: llm, model: model, keepLast: keepLast, timeout: time.Minute, logger: logger}
}

// Compact rewrites conv.Messages in place. It is a no-op when the history is
// already within keepLast.
func (c *Compactor) Compact(ctx context.Context, conv *models.Conversation) {
	if len(conv.Messages) <= c.keepLast {
		return
	}
	head := conv.Messages[:len(conv.Messages)-c.keepLast]
	tail := conv.Messages[len(conv.Messages)-c.keepLast:]

	summary, err := c.summarize(ctx, head)
	if err != nil {
		c.logger.Warn("summarization failed, truncating history",
			"conversation", conv.Key(), "dropped", len(head), "error", err)
		conv.Messages = append([]models.Message(nil), tail...)
		return
	}

	summaryMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleSystem,
		Content:   "Summary of earlier conversation:\n" + summary,
		CreatedAt: time.Now().UTC(),
	}
	conv.Messages = append([]models.Message{summaryMsg}, tail...)
	c.logger.Info("history compacted",
		"conversation", conv.Key(), "summarized", len(head), "kept", len(tail))
}

func (c *Compactor) summarize(ctx context.Context, head []models.Message) (string, error) {
	if c.llm == nil {
		return "", fmt.Errorf("no summarization model configured")
	}
	var transcript strings.Builder
	for _, msg := range head {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	completion, err := c.llm.Complete(cctx, &ports.CompletionRequest{
		Model:  c.model,
		System: summarySystemPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: transcript.String(),
		}},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(completion.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}
