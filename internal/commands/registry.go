// Package commands routes slash commands that short-circuit the turn
// pipeline: session management, status, and skill selection.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/internal/sessions"
	"github.com/relay-ai/relay/internal/skills"
	"github.com/relay-ai/relay/internal/usage"
	"github.com/relay-ai/relay/pkg/models"
)

// Handler executes one command.
type Handler func(ctx context.Context, args string, event *models.InboundEvent) (*ports.CommandResult, error)

type command struct {
	name        string
	description string
	handler     Handler
}

// Registry implements the command port.
type Registry struct {
	logger   *slog.Logger
	store    *sessions.Store
	tracker  *usage.Tracker
	skillSvc *skills.Service
	commands map[string]command
}

// NewRegistry wires the built-in commands over their collaborators.
func NewRegistry(store *sessions.Store, tracker *usage.Tracker, skillSvc *skills.Service, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:   logger,
		store:    store,
		tracker:  tracker,
		skillSvc: skillSvc,
		commands: map[string]command{},
	}
	r.register("help", "List available commands", r.help)
	r.register("clear", "Forget this conversation's history", r.clear)
	r.register("status", "Show usage and conversation status", r.status)
	r.register("skill", "List skills or activate one: /skill [name|off]", r.skill)
	return r
}

func (r *Registry) register(name, description string, handler Handler) {
	r.commands[name] = command{name: name, description: description, handler: handler}
}

// HasCommand reports whether the command exists. All built-ins work on every
// channel.
func (r *Registry) HasCommand(name string, channel models.ChannelType) bool {
	_, ok := r.commands[strings.ToLower(name)]
	return ok
}

// Execute runs the named command.
func (r *Registry) Execute(ctx context.Context, name string, args string, event *models.InboundEvent) (*ports.CommandResult, error) {
	cmd, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return nil, errdefs.New(errdefs.KindUserInputInvalid, fmt.Sprintf("unknown command /%s", name))
	}
	r.logger.Debug("executing command", "command", name, "channel", event.Channel)
	return cmd.handler(ctx, strings.TrimSpace(args), event)
}

func (r *Registry) help(ctx context.Context, args string, event *models.InboundEvent) (*ports.CommandResult, error) {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "/%s - %s\n", name, r.commands[name].description)
	}
	return &ports.CommandResult{Output: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Registry) clear(ctx context.Context, args string, event *models.InboundEvent) (*ports.CommandResult, error) {
	if err := r.store.Clear(ctx, event.Channel, event.ChatID); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "clear conversation", err)
	}
	return &ports.CommandResult{
		Output:      "Conversation history cleared.",
		SideEffects: []string{"history_cleared"},
	}, nil
}

func (r *Registry) status(ctx context.Context, args string, event *models.InboundEvent) (*ports.CommandResult, error) {
	conv, err := r.store.LoadOrCreate(ctx, event.Channel, event.ChatID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "load conversation", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation: %d messages", len(conv.Messages))
	if conv.Skill != "" {
		fmt.Fprintf(&b, ", skill %s", conv.Skill)
	}
	if conv.Tier != "" {
		fmt.Fprintf(&b, ", tier %s", conv.Tier)
	}
	b.WriteString("\n")

	stats := r.tracker.StatsAll(0)
	if len(stats) == 0 {
		b.WriteString("Usage: no LLM calls recorded yet")
	} else {
		b.WriteString("Usage:\n")
		for _, st := range stats {
			b.WriteString("  " + usage.FormatStats(st) + "\n")
		}
	}
	return &ports.CommandResult{Output: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Registry) skill(ctx context.Context, args string, event *models.InboundEvent) (*ports.CommandResult, error) {
	if args == "" {
		list := r.skillSvc.List()
		if len(list) == 0 {
			return &ports.CommandResult{Output: "No skills installed."}, nil
		}
		var b strings.Builder
		b.WriteString("Skills:\n")
		for _, s := range list {
			marker := " "
			if !s.Available {
				marker = " (unavailable)"
			}
			fmt.Fprintf(&b, "%s%s - %s\n", s.Name, marker, s.Description)
		}
		return &ports.CommandResult{Output: strings.TrimRight(b.String(), "\n")}, nil
	}

	conv, err := r.store.LoadOrCreate(ctx, event.Channel, event.ChatID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "load conversation", err)
	}

	if args == "off" {
		conv.Skill = ""
		if err := r.store.Save(ctx, conv); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, "save conversation", err)
		}
		return &ports.CommandResult{Output: "Skill deactivated.", SideEffects: []string{"skill_changed"}}, nil
	}

	skill := r.skillSvc.Get(args)
	if skill == nil {
		return nil, errdefs.New(errdefs.KindUserInputInvalid, fmt.Sprintf("unknown skill %q", args))
	}
	if !skill.Available {
		return nil, errdefs.New(errdefs.KindUserInputInvalid,
			fmt.Sprintf("skill %q is missing required variables", args))
	}
	conv.Skill = skill.Name
	if err := r.store.Save(ctx, conv); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "save conversation", err)
	}
	return &ports.CommandResult{
		Output:      fmt.Sprintf("Skill %s activated.", skill.Name),
		SideEffects: []string{"skill_changed"},
	}, nil
}

// ParseCommand splits "/name args" into its parts. ok is false for plain
// text. A "/name@botname" mention form is accepted the way group chats send
// it.
func ParseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	rest := text[1:]
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		name, args = rest[:i], strings.TrimSpace(rest[i:])
	} else {
		name = rest
	}
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), args, true
}
