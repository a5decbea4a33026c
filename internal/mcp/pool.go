package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/pkg/models"
)

const stopGrace = 5 * time.Second

type poolEntry struct {
	client      *Client
	idleTimeout time.Duration
	lastUsed    time.Time
}

// Pool keeps at most one running server per skill. Concurrent borrowers of a
// cold skill share a single startup attempt; idle servers are reaped by the
// sweeper.
type Pool struct {
	cfg    *config.Manager
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	clients  map[string]*poolEntry
	starting map[string]chan struct{}
}

// NewPool builds a pool over the runtime configuration.
func NewPool(cfg *config.Manager, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		clients:  map[string]*poolEntry{},
		starting: map[string]chan struct{}{},
	}
}

// Get returns a running client for the skill, starting one if needed. A nil
// client with a nil error means MCP is globally disabled; callers proceed
// with an empty tool catalog.
func (p *Pool) Get(ctx context.Context, skill *models.Skill) (*Client, error) {
	snap := p.cfg.Snapshot()
	if !snap.MCP.Enabled {
		return nil, nil
	}
	if skill == nil || skill.MCP == nil {
		return nil, errdefs.New(errdefs.KindToolExecutionFailed, "skill declares no mcp server")
	}

	for {
		p.mu.Lock()
		if entry, ok := p.clients[skill.Name]; ok {
			entry.lastUsed = p.now()
			p.mu.Unlock()
			return entry.client, nil
		}
		if wait, ok := p.starting[skill.Name]; ok {
			p.mu.Unlock()
			select {
			case <-wait:
				continue // winner finished, re-check the table
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		p.starting[skill.Name] = wait
		p.mu.Unlock()

		client, err := Start(ctx, skill, snap.MCP, p.logger)

		p.mu.Lock()
		delete(p.starting, skill.Name)
		close(wait)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		idle := skill.MCP.IdleTimeout
		if idle <= 0 {
			idle = snap.MCP.IdleTimeout
		}
		p.clients[skill.Name] = &poolEntry{client: client, idleTimeout: idle, lastUsed: p.now()}
		p.mu.Unlock()
		return client, nil
	}
}

// Stop shuts down one skill's server if running.
func (p *Pool) Stop(name string) {
	p.mu.Lock()
	entry, ok := p.clients[name]
	if ok {
		delete(p.clients, name)
	}
	p.mu.Unlock()
	if ok {
		entry.client.Close(stopGrace)
		p.logger.Info("mcp server stopped", "mcp_server", name)
	}
}

// StopAll shuts down every running server. Used on process shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	entries := p.clients
	p.clients = map[string]*poolEntry{}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, entry := range entries {
		wg.Add(1)
		go func(name string, entry *poolEntry) {
			defer wg.Done()
			entry.client.Close(stopGrace)
			p.logger.Info("mcp server stopped", "mcp_server", name)
		}(name, entry)
	}
	wg.Wait()
}

// sweep stops servers idle past their timeout.
func (p *Pool) sweep() {
	now := p.now()
	p.mu.Lock()
	var stale []string
	for name, entry := range p.clients {
		if entry.idleTimeout > 0 && now.Sub(entry.lastUsed) > entry.idleTimeout {
			stale = append(stale, name)
		}
	}
	p.mu.Unlock()
	for _, name := range stale {
		p.logger.Info("reaping idle mcp server", "mcp_server", name)
		p.Stop(name)
	}
}

// Run sweeps idle servers every minute until the context is cancelled, then
// stops everything.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.StopAll()
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}
