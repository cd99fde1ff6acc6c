// Package registry provides the process-wide agent discovery registry: a
// name → AgentCard map with TTL eviction, fed by discovery messages
// received off the broker and consulted when resolving a peer agent name
// to an address. This is never a global singleton — callers construct one
// Registry and pass it down.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/solacelabs/sam-core/a2a"
	"github.com/solacelabs/sam-core/internal/telemetry"
)

// EventKind distinguishes an AgentCard's arrival from its eviction in
// added/removed callbacks.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
)

// Callback is invoked whenever an agent is added to or evicted from the
// registry. Callbacks run synchronously on the calling goroutine (the one
// that called Upsert or the sweeper's goroutine for evictions); a callback
// that blocks delays other registry activity, so callers that need to do
// slow work should hand off to their own goroutine.
type Callback func(kind EventKind, card a2a.AgentCard)

// entry is one tracked agent's card plus the deadline at which it is
// considered stale absent a fresh heartbeat.
type entry struct {
	card     a2a.AgentCard
	deadline time.Time
}

// Config configures one Registry.
type Config struct {
	// TTL is how long an AgentCard remains valid after its most recent
	// heartbeat before the sweeper evicts it. Defaults to 90s (three
	// missed heartbeats at the default 30s broadcast interval).
	TTL time.Duration
	// SweepInterval is how often the eviction sweep runs. Defaults to TTL/3.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.TTL / 3
	}
	return c
}

// Registry is a process-wide name → AgentCard map with TTL eviction: an
// RWMutex-guarded map updated from discovery messages, with a
// last-seen-deadline staleness check driven by a single local ticker
// (agent discovery has no cross-node coordination requirement).
type Registry struct {
	cfg Config
	log telemetry.Logger

	mu        sync.RWMutex
	agents    map[string]entry
	callbacks []Callback

	stop context.CancelFunc
	done chan struct{}
}

// New constructs a Registry. Call Start to begin the eviction sweeper.
func New(cfg Config, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.Noop{}
	}
	return &Registry{
		cfg:    cfg.withDefaults(),
		log:    log,
		agents: make(map[string]entry),
	}
}

// OnEvent subscribes a callback to added/removed events. Subscribing does
// not replay entries already present in the registry.
func (r *Registry) OnEvent(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Upsert records or refreshes card's entry, resetting its TTL deadline on
// every broadcast. Fires an EventAdded callback the first time a given
// agent name is seen.
func (r *Registry) Upsert(card a2a.AgentCard) {
	r.mu.Lock()
	_, existed := r.agents[card.Name]
	r.agents[card.Name] = entry{card: card, deadline: time.Now().Add(r.cfg.TTL)}
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mu.Unlock()

	if !existed {
		for _, cb := range callbacks {
			cb(EventAdded, card)
		}
	}
}

// Remove evicts name immediately (e.g. on an explicit departure message),
// firing EventRemoved if it was present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	e, ok := r.agents[name]
	if ok {
		delete(r.agents, name)
	}
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mu.Unlock()

	if ok {
		for _, cb := range callbacks {
			cb(EventRemoved, e.card)
		}
	}
}

// Lookup returns the current AgentCard for name, and whether it is
// present and not yet past its TTL deadline.
func (r *Registry) Lookup(name string) (a2a.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok || time.Now().After(e.deadline) {
		return a2a.AgentCard{}, false
	}
	return e.card, true
}

// List returns every currently live AgentCard, in no particular order.
func (r *Registry) List() []a2a.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	cards := make([]a2a.AgentCard, 0, len(r.agents))
	for _, e := range r.agents {
		if now.After(e.deadline) {
			continue
		}
		cards = append(cards, e.card)
	}
	return cards
}

// Start launches the background eviction sweeper. Calling Start twice is
// a no-op.
func (r *Registry) Start(ctx context.Context) {
	if r.stop != nil {
		return
	}
	ctx, r.stop = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepOnce()
			}
		}
	}()
}

// Stop cancels the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	if r.stop == nil {
		return
	}
	r.stop()
	<-r.done
	r.stop = nil
}

func (r *Registry) sweepOnce() {
	now := time.Now()

	r.mu.Lock()
	var expired []entry
	for name, e := range r.agents {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(r.agents, name)
		}
	}
	callbacks := append([]Callback(nil), r.callbacks...)
	r.mu.Unlock()

	for _, e := range expired {
		r.log.Info(context.Background(), "registry: evicted stale agent", "agent", e.card.Name)
		for _, cb := range callbacks {
			cb(EventRemoved, e.card)
		}
	}
}
