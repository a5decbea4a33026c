package admission

import (
	"context"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/storage"
	"github.com/relay-ai/relay/pkg/models"
)

func newTestGate(t *testing.T, mutate func(*config.Snapshot)) *Gate {
	t.Helper()
	snap := config.Default()
	if mutate != nil {
		mutate(snap)
	}
	mgr := config.NewManager(snap, "", nil)
	return NewGate(models.ChannelTelegram, mgr, storage.NewMemoryStore(), nil)
}

func TestAllowListHitIsAuthorized(t *testing.T) {
	g := newTestGate(t, func(s *config.Snapshot) {
		s.Telegram.AllowList = []string{"1001", "1002"}
	})
	d := g.Authorize(context.Background(), "1002", "hi")
	if !d.Allowed {
		t.Fatalf("allow-listed sender denied: %+v", d)
	}
}

func TestNonEmptyAllowListRejectsStrangers(t *testing.T) {
	g := newTestGate(t, func(s *config.Snapshot) {
		s.Telegram.AllowList = []string{"1001"}
		s.Invite.Codes = []config.Secret{"WELCOME-1"}
	})
	// A valid invite code does not bypass a configured allow-list.
	d := g.Authorize(context.Background(), "2002", "WELCOME-1")
	if d.Allowed {
		t.Fatal("stranger admitted despite non-empty allow-list")
	}
	if d.Notice == "" {
		t.Fatal("expected an unauthorized notice")
	}
}

func TestInviteRedemptionAdmitsAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	snap := config.Default()
	snap.Invite.Codes = []config.Secret{"WELCOME-1"}
	mgr := config.NewManager(snap, "", nil)

	g := NewGate(models.ChannelTelegram, mgr, store, nil)
	d := g.Authorize(context.Background(), "2002", "  welcome-1  ")
	if !d.Allowed || !d.Admitted {
		t.Fatalf("valid code rejected: %+v", d)
	}

	// A fresh gate over the same store sees the admitted sender.
	g2 := NewGate(models.ChannelTelegram, mgr, store, nil)
	if !g2.IsAuthorized(context.Background(), "2002") {
		t.Fatal("admission did not survive restart")
	}
}

func TestInviteCooldownAfterRepeatedFailures(t *testing.T) {
	g := newTestGate(t, func(s *config.Snapshot) {
		s.Invite.Codes = []config.Secret{"WELCOME-1"}
	})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := g.Authorize(ctx, "2002", "wrong")
		if d.Allowed {
			t.Fatal("wrong code admitted")
		}
	}
	d := g.Authorize(ctx, "2002", "wrong")
	if d.Allowed || d.Notice == "" {
		t.Fatalf("third failure should trigger cooldown notice: %+v", d)
	}

	// During cooldown even the correct code is rejected.
	now = now.Add(10 * time.Second)
	d = g.Authorize(ctx, "2002", "WELCOME-1")
	if d.Allowed {
		t.Fatal("correct code accepted during cooldown")
	}

	// Another sender is unaffected.
	d = g.Authorize(ctx, "3003", "WELCOME-1")
	if !d.Allowed {
		t.Fatalf("cooldown leaked to another sender: %+v", d)
	}

	// After the cooldown expires the sender can redeem.
	now = now.Add(30 * time.Second)
	d = g.Authorize(ctx, "2002", "WELCOME-1")
	if !d.Allowed {
		t.Fatalf("redemption after cooldown failed: %+v", d)
	}
}

func TestFailureWindowResets(t *testing.T) {
	g := newTestGate(t, func(s *config.Snapshot) {
		s.Invite.Codes = []config.Secret{"WELCOME-1"}
	})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })
	ctx := context.Background()

	g.Authorize(ctx, "2002", "wrong")
	g.Authorize(ctx, "2002", "wrong")
	// Failures older than the window do not count toward the cooldown.
	now = now.Add(2 * time.Minute)
	d := g.Authorize(ctx, "2002", "wrong")
	if d.Allowed {
		t.Fatal("wrong code admitted")
	}
	d = g.Authorize(ctx, "2002", "WELCOME-1")
	if !d.Allowed {
		t.Fatalf("sender should not be in cooldown: %+v", d)
	}
}
