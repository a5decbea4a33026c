package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay-ai/relay/internal/admission"
	"github.com/relay-ai/relay/internal/channels"
	"github.com/relay-ai/relay/internal/commands"
	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/internal/sessions"
	"github.com/relay-ai/relay/pkg/models"
)

const busyNotice = "I'm still working through your earlier messages. Give me a moment."

// Coordinator accepts inbound events and runs the pipeline over them. Turns
// for the same conversation execute strictly serially through a per-key
// mailbox; turns for different conversations run in parallel up to the
// worker cap. Enqueue never blocks the channel's inbound loop.
type Coordinator struct {
	cfg      *config.Manager
	pipeline *Pipeline
	sessions *sessions.Store
	channels *channels.Registry
	commands ports.Command
	gates    map[models.ChannelType]*admission.Gate
	logger   *slog.Logger
	now      func() time.Time

	sem chan struct{}

	mu        sync.Mutex
	mailboxes map[string]chan *models.InboundEvent
	cancels   map[string]context.CancelFunc
	base      context.Context
	wg        sync.WaitGroup
}

// CoordinatorOptions wires the coordinator's collaborators.
type CoordinatorOptions struct {
	Config   *config.Manager
	Pipeline *Pipeline
	Sessions *sessions.Store
	Channels *channels.Registry
	Commands ports.Command
	Gates    map[models.ChannelType]*admission.Gate
	Logger   *slog.Logger
}

// NewCoordinator builds a coordinator; call Run before Enqueue.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	workers := opts.Config.Snapshot().Turn.Workers
	if workers <= 0 {
		workers = 8
	}
	return &Coordinator{
		cfg:       opts.Config,
		pipeline:  opts.Pipeline,
		sessions:  opts.Sessions,
		channels:  opts.Channels,
		commands:  opts.Commands,
		gates:     opts.Gates,
		logger:    opts.Logger,
		now:       time.Now,
		sem:       make(chan struct{}, workers),
		mailboxes: map[string]chan *models.InboundEvent{},
		cancels:   map[string]context.CancelFunc{},
	}
}

// Run consumes the aggregated inbound stream until ctx is cancelled, then
// waits for in-flight turns to finish.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	events := c.channels.AggregateEvents(ctx)
	for event := range events {
		c.Enqueue(event)
	}
	c.wg.Wait()
}

// Enqueue routes an event to its conversation mailbox and returns
// immediately. A full mailbox produces a best-effort busy notice instead of
// blocking or dropping silently.
func (c *Coordinator) Enqueue(event *models.InboundEvent) {
	key := models.ConversationKey(event.Channel, event.ChatID)

	c.mu.Lock()
	if c.base == nil {
		c.mu.Unlock()
		c.logger.Error("enqueue before Run", "conversation", key)
		return
	}
	box, ok := c.mailboxes[key]
	if !ok {
		capacity := c.cfg.Snapshot().Turn.MailboxCapacity
		if capacity <= 0 {
			capacity = 16
		}
		box = make(chan *models.InboundEvent, capacity)
		c.mailboxes[key] = box
		c.wg.Add(1)
		go c.consume(key, box)
	}
	c.mu.Unlock()

	select {
	case box <- event:
	default:
		c.logger.Warn("mailbox full, notifying sender", "conversation", key)
		c.notify(event, busyNotice)
	}
}

// Cancel signals the conversation's active turn, if any.
func (c *Coordinator) Cancel(channel models.ChannelType, chatID string) {
	key := models.ConversationKey(channel, chatID)
	c.mu.Lock()
	cancel := c.cancels[key]
	c.mu.Unlock()
	if cancel != nil {
		c.logger.Info("cancelling active turn", "conversation", key)
		cancel()
	}
}

// consume drains one conversation's mailbox serially. The worker semaphore
// bounds global parallelism.
func (c *Coordinator) consume(key string, box chan *models.InboundEvent) {
	defer c.wg.Done()
	for {
		var event *models.InboundEvent
		select {
		case <-c.base.Done():
			return
		case event = <-box:
		}

		select {
		case <-c.base.Done():
			return
		case c.sem <- struct{}{}:
		}
		c.runTurn(key, event)
		<-c.sem
	}
}

func (c *Coordinator) runTurn(key string, event *models.InboundEvent) {
	ctx, cancel := context.WithCancel(c.base)
	c.mu.Lock()
	c.cancels[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, key)
		c.mu.Unlock()
		cancel()
	}()

	if !c.admit(ctx, event) {
		return
	}
	if c.handleCommand(ctx, event) {
		return
	}

	conv, err := c.sessions.LoadOrCreate(ctx, event.Channel, event.ChatID)
	if err != nil {
		c.logger.Error("conversation load failed", "conversation", key, "error", err)
		c.notify(event, "Something went wrong loading this conversation.")
		return
	}

	c.indicateTyping(ctx, event)

	tc := NewTurnContext(event, conv, c.cfg.Snapshot())
	tc.StartedAt = c.now()

	if err := c.pipeline.Run(ctx, tc); err != nil {
		c.recordFailure(event, conv, err)
		return
	}
	if err := c.sessions.Save(context.WithoutCancel(ctx), conv); err != nil {
		c.logger.Error("conversation save failed", "conversation", key, "error", err)
	}
}

// admit runs the channel's admission gate. Gate notices (denials, invite
// prompts, cooldowns) go straight back to the sender.
func (c *Coordinator) admit(ctx context.Context, event *models.InboundEvent) bool {
	gate := c.gates[event.Channel]
	if gate == nil {
		return true
	}
	decision := gate.Authorize(ctx, event.SenderID, event.Text)
	if decision.Notice != "" {
		c.notify(event, decision.Notice)
	}
	// A freshly redeemed invite consumed the message; don't run a turn on
	// the code itself.
	return decision.Allowed && !decision.Admitted
}

// handleCommand short-circuits slash commands before the pipeline.
func (c *Coordinator) handleCommand(ctx context.Context, event *models.InboundEvent) bool {
	if c.commands == nil {
		return false
	}
	name, args, ok := commands.ParseCommand(event.Text)
	if !ok || !c.commands.HasCommand(name, event.Channel) {
		return false
	}
	result, err := c.commands.Execute(ctx, name, args, event)
	if err != nil {
		c.notify(event, userFacing(err))
		return true
	}
	if result.Output != "" {
		c.notify(event, result.Output)
	}
	return true
}

// recordFailure appends a best-effort assistant message explaining the error
// and tells the user. The conversation stays usable.
func (c *Coordinator) recordFailure(event *models.InboundEvent, conv *models.Conversation, err error) {
	explanation := userFacing(err)
	c.logger.Error("turn failed",
		"conversation", conv.Key(),
		"kind", errdefs.KindOf(err),
		"error", err)

	conv.Messages = append(conv.Messages, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   explanation,
		CreatedAt: c.now().UTC(),
	})
	if saveErr := c.sessions.Save(context.WithoutCancel(c.base), conv); saveErr != nil {
		c.logger.Error("failure record not persisted",
			"conversation", conv.Key(), "error", saveErr)
	}
	c.notify(event, explanation)
}

// notify sends a short out-of-band message back to the event's chat.
func (c *Coordinator) notify(event *models.InboundEvent, text string) {
	adapter, ok := c.channels.Get(event.Channel)
	if !ok {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(c.base), 30*time.Second)
	defer cancel()
	if err := adapter.Send(nctx, &models.OutgoingResponse{ChatID: event.ChatID, Text: text}); err != nil {
		c.logger.Warn("notice delivery failed",
			"channel", event.Channel, "chat", event.ChatID, "error", err)
	}
}

func (c *Coordinator) indicateTyping(ctx context.Context, event *models.InboundEvent) {
	adapter, ok := c.channels.Get(event.Channel)
	if !ok {
		return
	}
	if typing, ok := adapter.(channels.Typing); ok {
		typing.Typing(ctx, event.ChatID)
	}
}

// userFacing maps an error to the explanation shown to the user.
func userFacing(err error) string {
	switch errdefs.KindOf(err) {
	case errdefs.KindUserInputInvalid:
		return "I couldn't process that message: " + errdefs.MessageOf(err)
	case errdefs.KindRateLimited:
		return "I'm being rate limited right now. Please try again shortly."
	case errdefs.KindUpstreamUnavailable:
		return "A service I depend on is unavailable. Please try again shortly."
	case errdefs.KindCancelled:
		return "This turn was cancelled."
	case errdefs.KindBudgetExceeded:
		return "This request exceeded its processing budget."
	default:
		return "Something went wrong while handling your message. Please try again."
	}
}
