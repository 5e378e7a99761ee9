package neighbour

import (
	"context"
	"time"

	"github.com/containerd/log"

	"github.com/ngcore/neighbourd/neighbour/table"
	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/neighbour/wire"
)

// onStateTimeout runs the state-specific timeout action of §4.1 when a
// neighbour's state_deadline has elapsed.
func (s *Service) onStateTimeout(ctx context.Context, n *table.Neighbour) {
	switch n.State {
	case table.InitATS, table.SynRecvATS:
		// "free the neighbour silently" — no handshake was ever completed,
		// so no disconnect_notification is owed (§4.5).
		s.freeNeighbour(ctx, n)

	case table.SynSent, table.ReconnectATS, table.ReconnectSent, table.SynRecvAck, table.Connected, table.SwitchSynSent:
		s.disconnectNeighbour(ctx, n)

	case table.Disconnect:
		s.freeNeighbour(ctx, n)

	default:
		log.G(ctx).WithField("peer", n.ID).WithField("state", n.State).Debug("timeout in unhandled state")
	}
}

// ForceDisconnect implements the force_disconnect(peer) local request of
// §5: synthesizes a local disconnect event; in-flight sends complete with
// failure before the neighbour is freed.
func (s *Service) ForceDisconnect(peer types.PeerId) error {
	return s.post(func(ctx context.Context, s *Service) {
		n, ok := s.table.Get(peer)
		if !ok {
			return
		}
		s.disconnectNeighbour(ctx, n)
	})
}

// SessionTerminated is the single session_terminated(peer, session) entry
// point of §7, driving the FSM per §4.1's "session death" class of event.
func (s *Service) SessionTerminated(peer types.PeerId, sess types.Session) error {
	return s.post(func(ctx context.Context, s *Service) {
		n, ok := s.table.Get(peer)
		if !ok {
			return
		}
		s.onSessionTerminated(ctx, n, sess)
	})
}

func (s *Service) onSessionTerminated(ctx context.Context, n *table.Neighbour, sess types.Session) {
	switch {
	case n.Primary != nil && sameSession(n.Primary.Session, sess):
		switch n.State {
		case table.Connected:
			n.Primary.ATSActive = false
			n.Primary = nil
			s.transition(n, table.ReconnectATS)
			s.setDeadline(n, s.clk.Now().Add(s.cfg.FastReconnectTimeout))
			n.SuggestHandle = s.suggest.Suggest(n.ID, func(peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
				_ = s.post(func(ctx context.Context, s *Service) {
					s.onAddressSuggested(ctx, peer, addr, sess, bwIn, bwOut)
				})
			})
		case table.SwitchSynSent:
			// Primary died while probing an alternative: fall back to
			// treating the alternative as the new reconnect target. Its
			// SYN is already out, so the neighbour awaits its SYN-ACK.
			n.Primary.ATSActive = false
			n.Primary = n.Alternative
			n.Alternative = nil
			s.suggest.NewSession(n.Primary.Address, n.Primary.Session)
			n.Primary.ATSActive = true
			s.transition(n, table.ReconnectSent)
			s.setDeadline(n, s.clk.Now().Add(s.cfg.FastReconnectTimeout))
		default:
			n.Primary = nil
			s.disconnectNeighbour(ctx, n)
		}

	case n.Alternative != nil && sameSession(n.Alternative.Session, sess):
		n.Alternative = nil
		if n.State == table.SwitchSynSent {
			s.transition(n, table.Connected)
		}

	default:
		// A pending blacklist check whose subject session just died keeps
		// running (§5 cancellation semantics); only clear the dangling
		// session pointer.
		if n.PendingCheck != nil && sameSession(n.PendingCheck.Session, sess) {
			n.PendingCheck.Session = nil
		}
	}
}

func sameSession(a, b types.Session) bool {
	return a != nil && a == b
}

// disconnectNeighbour implements §4.1's "call disconnect_neighbour, which
// sends a signed DISCONNECT if the peer believes we are connected and then
// transitions to DISCONNECT".
func (s *Service) disconnectNeighbour(ctx context.Context, n *table.Neighbour) {
	if n.State == table.Disconnect || n.State == table.DisconnectFinished {
		return
	}
	wasConnected := n.State.Connected()

	for e := n.PopFront(); e != nil; e = n.PopFront() {
		s.completeEntry(e, false)
	}
	if n.Active != nil {
		s.completeEntry(n.Active, false)
		n.Active = nil
	}

	if wasConnected && n.Primary != nil && n.Primary.Session != nil {
		msg := s.signDisconnect()
		if err := s.transmitControl(ctx, n.Primary.Address, n.Primary.Session, msg); err != nil {
			log.G(ctx).WithField("peer", n.ID).WithError(err).Warn("disconnect send failed")
		}
	}

	if n.SuggestHandle != nil {
		s.suggest.Cancel(n.SuggestHandle)
		n.SuggestHandle = nil
	}

	s.transition(n, table.Disconnect)
	s.setDeadline(n, s.clk.Now().Add(s.cfg.DisconnectSentTimeout))
	s.publishDisconnect(n)
}

// signDisconnect produces a signed DISCONNECT frame vouching for our own
// identity (§6.5); it takes no session, since only the signature content
// depends on identity, not the transport.
func (s *Service) signDisconnect() wire.Disconnect {
	d := wire.Disconnect{Timestamp: s.clk.Now(), PublicKey: [32]byte(s.self)}
	sig, err := s.sig.Sign(d.SignedPayload())
	if err == nil {
		copy(d.Signature[:], sig)
	}
	return d
}

// disconnectReceived implements the accept branch of the DISCONNECT
// handler (§4.2): schedule delayed_disconnect_task to free the neighbour
// asynchronously, and notify upper layers if they believed we were
// connected.
func (s *Service) disconnectReceived(ctx context.Context, n *table.Neighbour) {
	wasConnected := n.State.Connected()
	for e := n.PopFront(); e != nil; e = n.PopFront() {
		s.completeEntry(e, false)
	}
	if n.Active != nil {
		s.completeEntry(n.Active, false)
		n.Active = nil
	}
	if n.SuggestHandle != nil {
		s.suggest.Cancel(n.SuggestHandle)
		n.SuggestHandle = nil
	}
	s.transition(n, table.Disconnect)
	s.setDeadline(n, s.clk.Now().Add(s.cfg.DisconnectSentTimeout))
	if wasConnected {
		s.publishDisconnect(n)
	}
}

// freeNeighbour implements §3's free_neighbour: destroys the entry and
// removes it from the table atomically with destruction (I1).
func (s *Service) freeNeighbour(ctx context.Context, n *table.Neighbour) {
	if n.SuggestHandle != nil {
		s.suggest.Cancel(n.SuggestHandle)
		n.SuggestHandle = nil
	}
	if n.PendingCheck != nil {
		s.blist.Cancel(n.PendingCheck.CheckID)
		n.PendingCheck = nil
	}
	if n.Primary != nil && n.Primary.Session != nil {
		if p, err := s.plugins.Get(n.Primary.Address.Plugin); err == nil {
			p.Disconnect(n.Primary.Session)
		}
	}
	if n.Alternative != nil && n.Alternative.Session != nil {
		if p, err := s.plugins.Get(n.Alternative.Address.Plugin); err == nil {
			p.Disconnect(n.Alternative.Session)
		}
	}
	for e := n.PopFront(); e != nil; e = n.PopFront() {
		s.completeEntry(e, false)
	}
	if n.Active != nil {
		s.completeEntry(n.Active, false)
	}

	wasConnected := n.NotifiedConnected
	s.transition(n, table.DisconnectFinished)
	if wasConnected {
		s.publishDisconnect(n)
	}
	s.table.Delete(n.ID)
}

// decayQuotaViolations implements SPEC_FULL.md supplemented feature 3: the
// violation counter decays once per IDLE_CONNECTION_TIMEOUT tick rather
// than on a dedicated timer.
func (s *Service) decayQuotaViolations(n *table.Neighbour, now time.Time) {
	if n.Quota == nil {
		return
	}
	if !n.LastQuotaDecayAt.IsZero() && now.Sub(n.LastQuotaDecayAt) < s.cfg.IdleConnectionTimeout {
		return
	}
	n.LastQuotaDecayAt = now
	n.Quota.Decay()
	n.QuotaViolationCount = n.Quota.Violations()
	if s.m != nil {
		s.m.QuotaViolationCount.WithValues(n.ID.String()).Set(float64(n.QuotaViolationCount))
	}
}
