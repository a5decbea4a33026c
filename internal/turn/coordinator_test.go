package turn

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/admission"
	"github.com/relay-ai/relay/internal/channels"
	"github.com/relay-ai/relay/internal/commands"
	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/internal/sessions"
	"github.com/relay-ai/relay/internal/skills"
	"github.com/relay-ai/relay/internal/storage"
	"github.com/relay-ai/relay/internal/usage"
	"github.com/relay-ai/relay/pkg/models"
)

// gatedLLM signals when a call starts and holds it until released, so tests
// can observe concurrency deterministically.
type gatedLLM struct {
	started chan struct{}
	release chan struct{}
}

func newGatedLLM() *gatedLLM {
	return &gatedLLM{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedLLM) Name() string { return "fake" }

func (g *gatedLLM) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.Completion, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return &ports.Completion{Content: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type coordEnv struct {
	coord   *Coordinator
	adapter *stubAdapter
	store   *sessions.Store
	cfg     *config.Manager
}

func newCoordEnv(t *testing.T, llm ports.LLM, mutate func(*config.Snapshot), opts func(*CoordinatorOptions)) *coordEnv {
	t.Helper()
	snap := config.Default()
	snap.Turn.LLMCallTimeout = 5 * time.Second
	snap.Turn.Deadline = 30 * time.Second
	if mutate != nil {
		mutate(snap)
	}
	mgr := config.NewManager(snap, filepath.Join(t.TempDir(), "config.yaml"), nil)

	adapter := newStubAdapter(models.ChannelTelegram)
	registry := channels.NewRegistry()
	registry.Register(adapter)

	store := sessions.NewStore(storage.NewMemoryStore(), nil, snap.Session.HistoryLimit)
	pipeline := NewPipeline(Deps{LLM: llm, Channels: registry})

	co := CoordinatorOptions{
		Config:   mgr,
		Pipeline: pipeline,
		Sessions: store,
		Channels: registry,
	}
	if opts != nil {
		opts(&co)
	}
	coord := NewCoordinator(co)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not shut down")
		}
	})

	env := &coordEnv{coord: coord, adapter: adapter, store: store, cfg: mgr}
	env.waitReady(t)
	return env
}

func (e *coordEnv) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.coord.mu.Lock()
		ready := e.coord.base != nil
		e.coord.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("coordinator never became ready")
}

func (e *coordEnv) awaitSends(t *testing.T, n int) []*models.OutgoingResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sent := e.adapter.sends(); len(sent) >= n {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", n, len(e.adapter.sends()))
	return nil
}

func inbound(chatID, text string) *models.InboundEvent {
	return &models.InboundEvent{
		Channel:    models.ChannelTelegram,
		ChatID:     chatID,
		SenderID:   chatID,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestCoordinatorDeliversReply(t *testing.T) {
	llm := &fakeLLM{}
	env := newCoordEnv(t, llm, nil, nil)

	env.adapter.events <- inbound("42", "hi")
	sent := env.awaitSends(t, 1)
	if sent[0].Text != "ok" {
		t.Fatalf("reply = %q", sent[0].Text)
	}

	conv, err := env.store.LoadOrCreate(context.Background(), models.ChannelTelegram, "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(conv.Messages))
	}
}

func TestCoordinatorCommandShortCircuit(t *testing.T) {
	llm := &fakeLLM{}
	env := newCoordEnv(t, llm, nil, func(co *CoordinatorOptions) {
		tracker := usage.NewTracker(storage.NewMemoryStore(), nil, usage.Options{Enabled: true})
		svc := skills.NewService(t.TempDir(), nil)
		co.Commands = commands.NewRegistry(co.Sessions, tracker, svc, nil)
	})

	env.adapter.events <- inbound("42", "/help")
	sent := env.awaitSends(t, 1)
	if !strings.Contains(sent[0].Text, "/clear") {
		t.Fatalf("command output = %q", sent[0].Text)
	}
	if llm.calls != 0 {
		t.Fatal("command reached the pipeline")
	}
}

func TestCoordinatorRecordsFailure(t *testing.T) {
	llm := &fakeLLM{err: errdefs.New(errdefs.KindUpstreamUnavailable, "provider down")}
	env := newCoordEnv(t, llm, nil, nil)

	env.adapter.events <- inbound("42", "hi")
	sent := env.awaitSends(t, 1)
	if !strings.Contains(sent[0].Text, "unavailable") {
		t.Fatalf("explanation = %q", sent[0].Text)
	}

	conv, err := env.store.LoadOrCreate(context.Background(), models.ChannelTelegram, "42")
	if err != nil {
		t.Fatal(err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != models.RoleAssistant || !strings.Contains(last.Content, "unavailable") {
		t.Fatalf("failure not recorded: %+v", last)
	}
}

func TestCoordinatorMailboxOverflow(t *testing.T) {
	llm := newGatedLLM()
	env := newCoordEnv(t, llm, func(s *config.Snapshot) {
		s.Turn.Workers = 1
		s.Turn.MailboxCapacity = 1
	}, nil)

	env.coord.Enqueue(inbound("42", "first"))
	<-llm.started // turn one is in flight

	env.coord.Enqueue(inbound("42", "second")) // queued
	env.coord.Enqueue(inbound("42", "third"))  // overflow

	sent := env.awaitSends(t, 1)
	if sent[0].Text != busyNotice {
		t.Fatalf("expected busy notice, got %q", sent[0].Text)
	}

	close(llm.release)
	sent = env.awaitSends(t, 3)
	replies := 0
	for _, s := range sent {
		if s.Text == "done" {
			replies++
		}
	}
	if replies != 2 {
		t.Fatalf("completed turns = %d, want 2", replies)
	}
}

func TestCoordinatorParallelAcrossConversations(t *testing.T) {
	llm := newGatedLLM()
	env := newCoordEnv(t, llm, nil, nil)

	env.coord.Enqueue(inbound("1", "a"))
	env.coord.Enqueue(inbound("1", "b"))
	env.coord.Enqueue(inbound("2", "c"))

	// Both conversations start; the second turn of conversation 1 must not.
	<-llm.started
	<-llm.started
	time.Sleep(50 * time.Millisecond)
	select {
	case <-llm.started:
		t.Fatal("same-conversation turn started before predecessor finished")
	default:
	}

	close(llm.release)
	env.awaitSends(t, 3)
}

func TestCoordinatorCancel(t *testing.T) {
	llm := newGatedLLM()
	env := newCoordEnv(t, llm, nil, nil)

	env.coord.Enqueue(inbound("42", "long task"))
	<-llm.started

	env.coord.Cancel(models.ChannelTelegram, "42")
	sent := env.awaitSends(t, 1)
	if !strings.Contains(sent[0].Text, "cancelled") {
		t.Fatalf("cancel explanation = %q", sent[0].Text)
	}

	conv, err := env.store.LoadOrCreate(context.Background(), models.ChannelTelegram, "42")
	if err != nil {
		t.Fatal(err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != models.RoleAssistant || !strings.Contains(last.Content, "cancelled") {
		t.Fatalf("cancellation not recorded: %+v", last)
	}
}

func TestCoordinatorAdmissionDenied(t *testing.T) {
	llm := &fakeLLM{}
	env := newCoordEnv(t, llm, func(s *config.Snapshot) {
		s.Telegram.AllowList = []string{"999"}
	}, func(co *CoordinatorOptions) {
		gate := admission.NewGate(models.ChannelTelegram, co.Config, storage.NewMemoryStore(), nil)
		co.Gates = map[models.ChannelType]*admission.Gate{models.ChannelTelegram: gate}
	})

	env.adapter.events <- inbound("42", "hi")
	sent := env.awaitSends(t, 1)
	if !strings.Contains(sent[0].Text, "not authorized") {
		t.Fatalf("denial notice = %q", sent[0].Text)
	}
	if llm.calls != 0 {
		t.Fatal("denied sender reached the pipeline")
	}
}
