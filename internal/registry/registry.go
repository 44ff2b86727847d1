// ABOUTME: In-memory table of connected agents keyed by broker-assigned identity.
// ABOUTME: Sole authority over agent lifecycle; removal fires the queue cancellation hook.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/mist-broker/internal/channel"
)

// ErrDuplicateRegistration indicates the same channel registered twice.
var ErrDuplicateRegistration = errors.New("channel already registered")

// ErrNotFound indicates no live agent matches the lookup.
var ErrNotFound = errors.New("agent not found")

// Agent is one registered agent tracked by the Registry. The Channel is
// exclusively owned by the entry: the Registry is the only component
// that closes it.
type Agent struct {
	Identity   string
	Manifest   Manifest
	Privileged bool
	Channel    *channel.Channel

	order int
}

// CancelFunc is invoked during removal with the identity being removed,
// before Remove returns. The queue's CancelFor hangs off this.
type CancelFunc func(identity string)

// Registry tracks connected agents. All operations are serialized; other
// components never touch its table directly.
type Registry struct {
	mu          sync.Mutex
	agents      map[string]*Agent
	byChannel   map[*channel.Channel]string
	nameCounter map[string]int
	nextOrder   int
	adminName   string
	onRemove    CancelFunc
	logger      *slog.Logger
}

// New creates an empty registry. adminName is the declared name that
// marks the one broker-colocated administrative agent as privileged.
func New(adminName string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:      make(map[string]*Agent),
		byChannel:   make(map[*channel.Channel]string),
		nameCounter: make(map[string]int),
		adminName:   adminName,
		logger:      logger.With("component", "registry"),
	}
}

// SetRemovalHook installs the cancellation hook fired on removal. Wired
// once at startup, before any connection is accepted.
func (r *Registry) SetRemovalHook(fn CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// Register assigns a fresh identity for the manifest and stores the
// agent. Identities are name-N with a per-name counter that never
// repeats within the broker's lifetime, so a reconnecting agent gets a
// new identity. Returns ErrDuplicateRegistration if ch already has a
// live registration.
func (r *Registry) Register(manifest Manifest, ch *channel.Channel) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byChannel[ch]; exists {
		return nil, ErrDuplicateRegistration
	}

	suffix := r.nameCounter[manifest.Name]
	r.nameCounter[manifest.Name] = suffix + 1
	identity := fmt.Sprintf("%s-%d", manifest.Name, suffix)

	agent := &Agent{
		Identity:   identity,
		Manifest:   manifest,
		Privileged: r.adminName != "" && manifest.Name == r.adminName && manifest.Kind == KindAgent,
		Channel:    ch,
		order:      r.nextOrder,
	}
	r.nextOrder++
	r.agents[identity] = agent
	r.byChannel[ch] = identity

	r.logger.Info("agent registered",
		"identity", identity,
		"name", manifest.Name,
		"privileged", agent.Privileged,
		"total", len(r.agents),
	)
	return agent, nil
}

// Remove deletes the agent and closes its channel. Idempotent: removing
// an unknown identity is a no-op. The cancellation hook runs before
// Remove returns, so no message referencing the identity can be admitted
// between removal and queue cleanup.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	agent, ok := r.agents[identity]
	if ok {
		delete(r.agents, identity)
		delete(r.byChannel, agent.Channel)
	}
	hook := r.onRemove
	r.mu.Unlock()

	if !ok {
		return
	}
	if hook != nil {
		hook(identity)
	}
	agent.Channel.Close()
	r.logger.Info("agent removed", "identity", identity)
}

// Lookup returns the agent for identity, or ErrNotFound.
func (r *Registry) Lookup(identity string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return agent, nil
}

// FindByName returns the earliest-registered live agent with the given
// declared name, or ErrNotFound.
func (r *Registry) FindByName(name string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Agent
	for _, agent := range r.agents {
		if agent.Manifest.Name != name {
			continue
		}
		if found == nil || agent.order < found.order {
			found = agent
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// IdentityFor resolves the identity registered on ch, if any.
func (r *Registry) IdentityFor(ch *channel.Channel) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byChannel[ch]
	return identity, ok
}

// All returns the live agents in registration order.
func (r *Registry) All() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Catalog builds the agent.catalog payload rows in registration order.
// UI-class registrations are not catalogued.
func (r *Registry) Catalog() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	agents := r.sortedLocked()
	rows := make([]map[string]any, 0, len(agents))
	for _, agent := range agents {
		if agent.Manifest.Kind == KindUI {
			continue
		}
		rows = append(rows, agent.Manifest.CatalogEntry(agent.Identity))
	}
	return rows
}

func (r *Registry) sortedLocked() []*Agent {
	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].order < agents[j].order })
	return agents
}
