// Package tcp is a reference Transport Plugin (§6.3) backed by real
// net.Conn sessions: frames are the same self-describing (size, type, ...)
// layout the wire package already produces, so on-the-wire framing needs
// no additional length prefix beyond what Decode already expects.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// PluginName is the fixed Name() this plugin registers under.
const PluginName = "tcp"

// Sink is how a delivered frame reaches the owning neighbour Service.
type Sink func(peer types.PeerId, addr types.Address, sess types.Session, raw []byte) error

// session wraps one net.Conn. Writes are serialized by mu so concurrent
// Send calls cannot interleave frames on the wire.
type session struct {
	conn net.Conn
	addr types.Address

	mu        sync.Mutex
	closed    bool
	peer      types.PeerId
	peerKnown bool
}

func (s *session) Plugin() string { return PluginName }

// DeadFunc reports that sess died for a reason the plugin, not the core,
// observed first (a failed read, a reset connection) — the transport-level
// counterpart of the core's own session_terminated entry point (§7).
type DeadFunc func(peer types.PeerId, sess types.Session)

// Plugin is the reference TCP transport.
type Plugin struct {
	self types.PeerId
	sink Sink
	dead DeadFunc

	mu       sync.Mutex
	sessions map[string]*session // keyed by remote addr string

	ln net.Listener
}

// New creates a Plugin that reports frames to sink as the peer identified
// by self. dead, if non-nil, is called when a session dies at the
// transport level before the core asked for it (via Disconnect) — the
// usual way this happens is svc.SessionTerminated.
func New(self types.PeerId, sink Sink, dead DeadFunc) *Plugin {
	return &Plugin{self: self, sink: sink, dead: dead, sessions: make(map[string]*session)}
}

// Listen starts accepting inbound connections on laddr; each accepted
// connection is registered as a session immediately, and the peer owning
// it is only learned later, through UpdateSessionTimeout.
func (p *Plugin) Listen(ctx context.Context, laddr string) error {
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", laddr, err)
	}
	p.ln = ln
	go p.acceptLoop(ctx, ln)
	return nil
}

func (p *Plugin) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.G(ctx).WithError(err).Debug("tcp: accept loop exiting")
			return
		}
		s := p.register(conn)
		go p.readLoop(ctx, s)
	}
}

func (p *Plugin) register(conn net.Conn) *session {
	s := &session{conn: conn, addr: types.Address{Plugin: PluginName, Bytes: []byte(conn.RemoteAddr().String())}}
	p.mu.Lock()
	p.sessions[conn.RemoteAddr().String()] = s
	p.mu.Unlock()
	return s
}

func (p *Plugin) Name() string { return PluginName }

// GetSession dials addr if no session for it exists yet.
func (p *Plugin) GetSession(ctx context.Context, addr types.Address) (types.Session, error) {
	key := string(addr.Bytes)
	p.mu.Lock()
	s, ok := p.sessions[key]
	p.mu.Unlock()
	if ok {
		return s, nil
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", key)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", key, err)
	}
	s = p.register(conn)
	go p.readLoop(ctx, s)
	return s, nil
}

// readLoop decodes the self-describing (size, type) frame header and hands
// the whole frame to the sink; it does not interpret message contents,
// matching wire's own leaf-dependency boundary.
func (p *Plugin) readLoop(ctx context.Context, s *session) {
	defer p.drop(s)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint16(hdr[0:2])
		if size < 4 {
			return
		}
		frame := make([]byte, size)
		copy(frame, hdr[:])
		if _, err := io.ReadFull(s.conn, frame[4:]); err != nil {
			return
		}
		if p.sink != nil {
			if err := p.sink(p.self, s.addr, s, frame); err != nil {
				log.G(ctx).WithError(err).Debug("tcp: sink rejected frame")
			}
		}
	}
}

func (p *Plugin) drop(s *session) {
	p.mu.Lock()
	delete(p.sessions, s.conn.RemoteAddr().String())
	p.mu.Unlock()
	s.conn.Close()

	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	peer, peerKnown := s.peer, s.peerKnown
	s.mu.Unlock()

	// A drop the core itself asked for (Disconnect already set closed)
	// needs no report; this path is for a death the core hasn't heard
	// about yet — a reset connection, a read failure.
	if !alreadyClosed && peerKnown && p.dead != nil {
		p.dead(peer, s)
	}
}

// Send writes payload (already a complete framed message) to sess and
// reports completion once the write call returns; a TCP write completing
// only means the kernel accepted the bytes, not that the peer read them,
// which is consistent with Send's "no later than timeout" contract rather
// than a delivery guarantee.
func (p *Plugin) Send(ctx context.Context, sessv types.Session, payload []byte, priority int, timeout time.Duration, cont func(peer types.PeerId, success bool, payloadSize, wireSize int)) (int, error) {
	s, ok := sessv.(*session)
	if !ok {
		return 0, fmt.Errorf("tcp: foreign session type: %w", errdefs.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if cont != nil {
			cont(p.self, false, len(payload), 0)
		}
		return 0, fmt.Errorf("tcp: session closed: %w", errdefs.ErrUnavailable)
	}
	if timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := s.conn.Write(payload)
	if cont != nil {
		cont(p.self, err == nil, len(payload), n)
	}
	return 0, err
}

func (p *Plugin) Disconnect(sessv types.Session) {
	s, ok := sessv.(*session)
	if !ok {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	p.drop(s)
}

// UpdateSessionTimeout doubles as how this plugin learns which peer owns a
// session: the core is the only party that can name a session's peer
// identity (§6.3's sessions are opaque to the plugin otherwise).
func (p *Plugin) UpdateSessionTimeout(peer types.PeerId, sess types.Session) {
	s, ok := sess.(*session)
	if !ok {
		return
	}
	s.mu.Lock()
	s.peer = peer
	s.peerKnown = true
	s.mu.Unlock()
}

func (p *Plugin) UpdateInboundDelay(peer types.PeerId, sess types.Session, delay time.Duration) {}

// KeepaliveFactor returns 1: a TCP session's own keepalive, if enabled at
// the socket level, is orthogonal to the protocol-level KEEPALIVE the core
// already schedules.
func (p *Plugin) KeepaliveFactor() uint { return 1 }

// Close stops accepting new connections and drops all live sessions.
func (p *Plugin) Close() error {
	if p.ln != nil {
		p.ln.Close()
	}
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		p.Disconnect(s)
	}
	return nil
}
