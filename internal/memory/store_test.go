package memory

import (
	"context"
	"testing"

	"github.com/relay-ai/relay/internal/storage"
)

func TestRememberAndSearch(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil)
	ctx := context.Background()
	scope := "telegram:42"

	for _, text := range []string{
		"User prefers metric units",
		"User lives in Lisbon",
		"Project deadline is Friday",
	} {
		if err := store.Remember(ctx, scope, text, "turn"); err != nil {
			t.Fatalf("Remember() error = %v", err)
		}
	}

	got, err := store.Search(ctx, scope, "user", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "User lives in Lisbon" {
		t.Fatalf("Search() = %+v, want newest-first user facts", got)
	}

	got, _ = store.Search(ctx, scope, "", 2)
	if len(got) != 2 {
		t.Fatalf("limit not applied: %d results", len(got))
	}
}

func TestEmptyScopeAndClear(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil)
	ctx := context.Background()

	if got, err := store.Search(ctx, "nope", "x", 5); err != nil || len(got) != 0 {
		t.Fatalf("empty scope: %v, %v", got, err)
	}

	store.Remember(ctx, "s", "fact", "")
	if err := store.Clear(ctx, "s"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := store.All(ctx, "s"); len(got) != 0 {
		t.Fatalf("Clear left observations: %+v", got)
	}
}

func TestBlankObservationIgnored(t *testing.T) {
	store := NewStore(storage.NewMemoryStore(), nil)
	if err := store.Remember(context.Background(), "s", "   ", ""); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if got, _ := store.All(context.Background(), "s"); len(got) != 0 {
		t.Fatalf("blank observation stored: %+v", got)
	}
}
