// Package loopback is an in-process Transport Plugin (§6.3): useful as a
// deterministic double in tests, and as the trivial case of "deliver
// directly to another registered endpoint in the same process" without a
// real socket.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// PluginName is the fixed Name() this plugin registers under.
const PluginName = "loopback"

// Sink is how a delivered frame reaches the owning neighbour Service; it
// mirrors neighbour.Service's DeliverMessage signature without importing
// the neighbour package, which would create an import cycle (neighbour
// imports plugin).
type Sink func(peer types.PeerId, addr types.Address, sess types.Session, raw []byte) error

// session is the opaque handle loopback hands back from GetSession: one
// named endpoint reachable in this process.
type session struct{ endpoint string }

func (s *session) Plugin() string { return PluginName }

// Plugin is the reference loopback transport: a registry of named endpoints,
// each owning a Sink that receives whatever is Send to it.
type Plugin struct {
	mu        sync.RWMutex
	endpoints map[string]Sink
	self      types.PeerId
}

// New creates a Plugin whose own identity is self, used to populate the
// Peer field of addresses it hands out via Endpoint.
func New(self types.PeerId) *Plugin {
	return &Plugin{endpoints: make(map[string]Sink), self: self}
}

// Register binds name to sink so addresses naming it become reachable.
func (p *Plugin) Register(name string, sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[name] = sink
}

// Unregister removes a previously Registered endpoint.
func (p *Plugin) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, name)
}

// Endpoint builds the types.Address a peer uses to reach name through this
// plugin.
func (p *Plugin) Endpoint(name string) types.Address {
	return types.Address{Plugin: PluginName, Bytes: []byte(name), Peer: p.self}
}

func (p *Plugin) Name() string { return PluginName }

func (p *Plugin) GetSession(ctx context.Context, addr types.Address) (types.Session, error) {
	p.mu.RLock()
	_, ok := p.endpoints[string(addr.Bytes)]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("loopback: endpoint %q: %w", string(addr.Bytes), errdefs.ErrNotFound)
	}
	return &session{endpoint: string(addr.Bytes)}, nil
}

// Send delivers payload synchronously to the target endpoint's Sink and
// invokes cont before returning, since loopback delivery cannot fail
// asynchronously the way a real socket write can.
func (p *Plugin) Send(ctx context.Context, sess types.Session, payload []byte, priority int, timeout time.Duration, cont func(peer types.PeerId, success bool, payloadSize, wireSize int)) (int, error) {
	ls, ok := sess.(*session)
	if !ok {
		return 0, fmt.Errorf("loopback: foreign session type: %w", errdefs.ErrInvalidArgument)
	}
	p.mu.RLock()
	sink, ok := p.endpoints[ls.endpoint]
	p.mu.RUnlock()
	if !ok {
		if cont != nil {
			cont(types.PeerId{}, false, len(payload), len(payload))
		}
		return 0, fmt.Errorf("loopback: endpoint %q gone: %w", ls.endpoint, errdefs.ErrNotFound)
	}
	err := sink(p.self, types.Address{Plugin: PluginName, Bytes: []byte(ls.endpoint)}, sess, payload)
	if cont != nil {
		cont(p.self, err == nil, len(payload), len(payload))
	}
	return 0, err
}

func (p *Plugin) Disconnect(sess types.Session) {}

func (p *Plugin) UpdateSessionTimeout(peer types.PeerId, sess types.Session) {}

func (p *Plugin) UpdateInboundDelay(peer types.PeerId, sess types.Session, delay time.Duration) {}

// KeepaliveFactor returns 1: loopback delivery has no transport-level idle
// timer of its own to pace against.
func (p *Plugin) KeepaliveFactor() uint { return 1 }
