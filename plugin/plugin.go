// Package plugin defines the Transport Plugin capability set of §6.3 and a
// small registry for it, in the style of a driver registry: plugins are
// looked up by name at the point a neighbour needs to open or reuse a
// session, never wired in by concrete type.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// CompletionFunc is invoked once a Send finishes, successfully or not, so
// the send path of §4.4 can advance its queue and report delivery failure
// upward without blocking on the transport.
type CompletionFunc func(peer types.PeerId, success bool, payloadSize, wireSize int)

// Plugin is the Transport Plugin capability set of §6.3: a pluggable way to
// reach a peer over one concrete transport (loopback, TCP, ...).
type Plugin interface {
	// Name identifies the plugin in wire addresses (types.Address.Plugin).
	Name() string

	// GetSession returns a session usable to reach addr, creating one if
	// none exists yet; creating one may block on the network (the tcp
	// plugin dials here). A nil, nil return means the plugin cannot reach
	// addr at all.
	GetSession(ctx context.Context, addr types.Address) (types.Session, error)

	// Send enqueues payload for transmission over sess at priority,
	// calling cont exactly once no later than timeout after the payload
	// is handed to the transport. It returns the number of bytes still
	// queued ahead of payload in the plugin's own buffering.
	Send(ctx context.Context, sess types.Session, payload []byte, priority int, timeout time.Duration, cont CompletionFunc) (queued int, err error)

	// Disconnect tears down sess immediately; no further Send calls on it
	// are valid afterward.
	Disconnect(sess types.Session)

	// UpdateSessionTimeout tells the plugin the neighbour is still alive,
	// resetting any transport-level idle timer it keeps independently of
	// the core's own state machine.
	UpdateSessionTimeout(peer types.PeerId, sess types.Session)

	// UpdateInboundDelay reports the measured keepalive round-trip delay
	// so the plugin can adapt its own framing or pacing, if it has any.
	UpdateInboundDelay(peer types.PeerId, sess types.Session, delay time.Duration)

	// KeepaliveFactor returns how many keepalive intervals the plugin
	// wants to elapse before a session is presumed dead at the transport
	// level (§5: informs KEEPALIVE scheduling when a plugin paces slower
	// than the default).
	KeepaliveFactor() uint
}

// Registry maps plugin names to Plugin implementations (driverapi-style).
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p under its own Name(). Registering a second plugin under a
// name already in use is rejected rather than silently replacing it.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		return fmt.Errorf("plugin %q already registered: %w", p.Name(), errdefs.ErrAlreadyExists)
	}
	r.plugins[p.Name()] = p
	return nil
}

// Get looks up a plugin by name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, errdefs.ErrNotFound)
	}
	return p, nil
}

// Names returns the registered plugin names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	return out
}
