package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/storage"
	"github.com/relay-ai/relay/pkg/models"
)

func TestLoadOrCreateRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil, 0)
	ctx := context.Background()

	conv, err := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if conv.ID == "" || conv.State != models.ConversationActive {
		t.Fatalf("new conversation = %+v", conv)
	}

	conv.Messages = append(conv.Messages,
		models.Message{ID: "m1", Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()},
		models.Message{ID: "m2", Role: models.RoleAssistant, Content: "hello", CreatedAt: time.Now()},
	)
	if err := store.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != conv.ID {
		t.Fatalf("second load created a new conversation: %s vs %s", got.ID, conv.ID)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "hello" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if loc := got.Messages[0].CreatedAt.Location(); loc != time.UTC {
		t.Fatalf("timestamps not normalized to UTC: %v", loc)
	}
}

func TestSaveReturnsIndependentCopies(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil, 0)
	ctx := context.Background()

	conv, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	conv.Messages = append(conv.Messages, models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
	store.Save(ctx, conv)

	other, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	other.Messages[0].Content = "mutated"

	again, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	if again.Messages[0].Content != "hi" {
		t.Fatal("store handed out shared state")
	}
}

func TestHistoryLimitTrimsOldest(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil, 3)
	ctx := context.Background()

	conv, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	for i := 0; i < 5; i++ {
		conv.Messages = append(conv.Messages, models.Message{
			ID: string(rune('a' + i)), Role: models.RoleUser, Content: string(rune('a' + i)),
		})
	}
	store.Save(ctx, conv)

	got, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	if len(got.Messages) != 3 || got.Messages[0].Content != "c" {
		t.Fatalf("messages after trim = %+v", got.Messages)
	}
}

func TestClearKeepsConversation(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil, 0)
	ctx := context.Background()

	conv, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	conv.Messages = append(conv.Messages, models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
	conv.Skill = "github"
	store.Save(ctx, conv)

	if err := store.Clear(ctx, models.ChannelTelegram, "42"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "42")
	if got.ID != conv.ID || len(got.Messages) != 0 || got.Skill != "" {
		t.Fatalf("after clear = %+v", got)
	}
}

func TestDeleteAndList(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil, 0)
	ctx := context.Background()

	a, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "1")
	store.LoadOrCreate(ctx, models.ChannelCLI, "local")

	list, err := store.List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("List() = %+v, %v", list, err)
	}

	if err := store.Delete(ctx, models.ChannelTelegram, "1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	list, _ = store.List(ctx)
	if len(list) != 1 || list[0].Channel != models.ChannelCLI {
		t.Fatalf("List() after delete = %+v", list)
	}

	fresh, _ := store.LoadOrCreate(ctx, models.ChannelTelegram, "1")
	if fresh.ID == a.ID {
		t.Fatal("deleted conversation resurrected with same ID")
	}
}
