package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ports.Completion{Content: f.reply}, nil
}

func history(n int) []models.Message {
	msgs := make([]models.Message, n)
	for i := range msgs {
		msgs[i] = models.Message{ID: string(rune('a' + i)), Role: models.RoleUser, Content: "msg"}
	}
	return msgs
}

func TestCompactSummarizesHead(t *testing.T) {
	llm := &fakeLLM{reply: "They discussed travel plans."}
	c := NewCompactor(llm, "fast-model", 2, nil)
	conv := &models.Conversation{Messages: history(6)}

	c.Compact(context.Background(), conv)

	if len(conv.Messages) != 3 {
		t.Fatalf("messages = %d, want summary + 2 kept", len(conv.Messages))
	}
	first := conv.Messages[0]
	if first.Role != models.RoleSystem || !strings.Contains(first.Content, "They discussed travel plans.") {
		t.Fatalf("summary message = %+v", first)
	}
}

func TestCompactFallsBackToTruncation(t *testing.T) {
	llm := &fakeLLM{err: errors.New("provider down")}
	c := NewCompactor(llm, "fast-model", 2, nil)
	conv := &models.Conversation{Messages: history(6)}

	c.Compact(context.Background(), conv)

	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want plain truncation to 2", len(conv.Messages))
	}
}

func TestCompactNoopWhenShort(t *testing.T) {
	llm := &fakeLLM{reply: "unused"}
	c := NewCompactor(llm, "fast-model", 10, nil)
	conv := &models.Conversation{Messages: history(4)}

	c.Compact(context.Background(), conv)

	if llm.calls != 0 || len(conv.Messages) != 4 {
		t.Fatalf("short history was compacted: calls=%d len=%d", llm.calls, len(conv.Messages))
	}
}
