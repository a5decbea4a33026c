// Package admission decides whether an inbound sender may talk to the
// assistant. A sender passes when it is on the channel allow-list or has
// redeemed an invite code. Invite redemption is throttled: repeated failures
// trigger a per-sender cooldown.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Admitted is true when this exact message redeemed an invite code.
	Admitted bool
	// Notice is the user-facing reply for denied or admitted senders.
	Notice string
}

type failureState struct {
	count         int
	windowStart   time.Time
	cooldownUntil time.Time
}

// Gate evaluates admission for one channel. Admitted senders persist across
// restarts through the storage port; failure counters are in-memory only.
type Gate struct {
	channel models.ChannelType
	cfg     *config.Manager
	store   ports.Storage
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	admitted map[string]bool
	loaded   bool
	failures map[string]*failureState
}

// NewGate builds a gate for the channel.
func NewGate(channel models.ChannelType, cfg *config.Manager, store ports.Storage, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		channel:  channel,
		cfg:      cfg,
		store:    store,
		logger:   logger.With("channel", channel),
		now:      time.Now,
		admitted: map[string]bool{},
		failures: map[string]*failureState{},
	}
}

func (g *Gate) admittedPath() string {
	return fmt.Sprintf("admission/%s.json", g.channel)
}

func (g *Gate) loadLocked(ctx context.Context) {
	if g.loaded || g.store == nil {
		g.loaded = true
		return
	}
	g.loaded = true
	data, err := g.store.GetText(ctx, g.admittedPath())
	if err != nil {
		return
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		g.logger.Debug("skipping malformed admitted file", "error", err)
		return
	}
	for _, id := range ids {
		g.admitted[id] = true
	}
}

func (g *Gate) persistLocked(ctx context.Context) {
	if g.store == nil {
		return
	}
	ids := make([]string, 0, len(g.admitted))
	for id := range g.admitted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := g.store.PutText(ctx, g.admittedPath(), string(data)); err != nil {
		g.logger.Warn("failed to persist admitted senders", "error", err)
	}
}

// IsAuthorized reports whether the sender may talk without going through the
// invite flow.
func (g *Gate) IsAuthorized(ctx context.Context, senderID string) bool {
	snap := g.cfg.Snapshot()
	if onAllowList(snap.ChannelAllowList(g.channel), senderID) {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked(ctx)
	return g.admitted[senderID]
}

// Authorize runs the full admission check for an inbound event. When the
// sender is unknown and the allow-list is empty, the message text is treated
// as a possible invite code.
func (g *Gate) Authorize(ctx context.Context, senderID, text string) Decision {
	snap := g.cfg.Snapshot()
	allowList := snap.ChannelAllowList(g.channel)

	if onAllowList(allowList, senderID) {
		return Decision{Allowed: true}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.loadLocked(ctx)

	if g.admitted[senderID] {
		return Decision{Allowed: true}
	}

	if len(allowList) > 0 {
		return Decision{Notice: "You are not authorized to use this assistant."}
	}

	return g.inviteFlowLocked(ctx, snap, senderID, text)
}

func (g *Gate) inviteFlowLocked(ctx context.Context, snap *config.Snapshot, senderID, text string) Decision {
	now := g.now()
	state := g.failures[senderID]

	if state != nil && now.Before(state.cooldownUntil) {
		remaining := int(state.cooldownUntil.Sub(now).Seconds() + 0.999)
		return Decision{Notice: fmt.Sprintf("Too many failed attempts. Try again in %d seconds.", remaining)}
	}

	if redeemsCode(snap.InviteCodes(), text) {
		g.admitted[senderID] = true
		delete(g.failures, senderID)
		g.persistLocked(ctx)
		g.logger.Info("sender admitted via invite code", "sender", senderID)
		return Decision{Allowed: true, Admitted: true, Notice: "Invite accepted. You can start chatting now."}
	}

	maxAttempts := snap.Invite.MaxFailedAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	cooldown := snap.Invite.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	if state == nil || now.Sub(state.windowStart) > cooldown {
		state = &failureState{windowStart: now}
		g.failures[senderID] = state
	}
	state.count++
	if state.count >= maxAttempts {
		state.cooldownUntil = now.Add(cooldown)
		state.count = 0
		state.windowStart = now
		return Decision{Notice: fmt.Sprintf("Too many failed attempts. Try again in %d seconds.", int(cooldown.Seconds()))}
	}
	return Decision{Notice: "Please send a valid invite code to start."}
}

func onAllowList(allowList []string, senderID string) bool {
	for _, entry := range allowList {
		if strings.EqualFold(strings.TrimSpace(entry), strings.TrimSpace(senderID)) {
			return true
		}
	}
	return false
}

func redeemsCode(codes []string, text string) bool {
	candidate := strings.ToUpper(strings.TrimSpace(text))
	if candidate == "" {
		return false
	}
	for _, code := range codes {
		if candidate == strings.ToUpper(strings.TrimSpace(code)) {
			return true
		}
	}
	return false
}

// SetClock overrides the time source for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}
