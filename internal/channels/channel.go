// Package channels defines the adapter contract between messaging transports
// and the turn pipeline, plus the shared outbound plumbing (chunking, rate
// limiting, retry) every adapter uses.
package channels

import (
	"context"
	"sync"

	"github.com/relay-ai/relay/pkg/models"
)

// Adapter is one messaging transport. Adapters normalize inbound traffic to
// InboundEvent and deliver OutgoingResponse back to the platform.
type Adapter interface {
	// Start connects and begins producing events. It returns once the
	// adapter is running; delivery happens on the Events channel.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, closing the Events channel.
	Stop(ctx context.Context) error

	// Send delivers a response, splitting and retrying as the platform
	// requires.
	Send(ctx context.Context, resp *models.OutgoingResponse) error

	// Events is the inbound stream. Closed when the adapter stops.
	Events() <-chan *models.InboundEvent

	Type() models.ChannelType

	Status() Status
}

// Typing is implemented by adapters whose platform has a typing indicator.
type Typing interface {
	Typing(ctx context.Context, chatID string)
}

// Status reports an adapter's connection state.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastEvent int64  `json:"last_event,omitempty"`
}

// Registry holds the active adapters keyed by channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[models.ChannelType]Adapter{}}
}

// Register adds an adapter. Registering the same type twice replaces the
// previous adapter.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channel models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channel]
	return adapter, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every adapter, stopping the ones already started if a
// later one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := []Adapter{}
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			for _, a := range started {
				a.Stop(ctx)
			}
			return err
		}
		started = append(started, adapter)
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateEvents fans every adapter's inbound stream into one channel. The
// returned channel closes when the context is cancelled and all adapter
// streams have drained.
func (r *Registry) AggregateEvents(ctx context.Context) <-chan *models.InboundEvent {
	out := make(chan *models.InboundEvent)
	var wg sync.WaitGroup
	for _, adapter := range r.All() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-a.Events():
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
