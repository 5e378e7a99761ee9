package neighbour

import (
	"context"

	"github.com/containerd/log"

	"github.com/ngcore/neighbourd/neighbour/table"
	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/neighbour/wire"
)

// DeliverMessage decodes raw and dispatches it to the matching handler
// (§4.2). Handlers never block; a decode failure is an op_breach (§7) and
// the frame is dropped without touching neighbour state.
func (s *Service) DeliverMessage(peer types.PeerId, addr types.Address, sess types.Session, raw []byte) error {
	msg, err := wire.Decode(raw)
	if err != nil {
		if s.m != nil {
			s.m.OpBreach.WithValues("decode").Inc()
		}
		return errProtocolFrame(err.Error())
	}
	return s.post(func(ctx context.Context, s *Service) {
		s.handle(ctx, peer, addr, sess, msg)
	})
}

func (s *Service) handle(ctx context.Context, peer types.PeerId, addr types.Address, sess types.Session, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Syn:
		if m.Type() == wire.TypeSYN {
			s.handleSyn(ctx, peer, addr, sess, m)
		} else {
			s.handleSynAck(ctx, peer, addr, sess, m)
		}
	case wire.Ack:
		s.handleAck(ctx, peer, addr, sess)
	case wire.Keepalive:
		if m.Type() == wire.TypeKeepalive {
			s.handleKeepalive(ctx, peer, addr, sess, m)
		} else {
			s.handleKeepaliveResponse(ctx, peer, m)
		}
	case wire.Quota:
		s.handleQuota(ctx, peer, m)
	case wire.Disconnect:
		s.handleDisconnect(ctx, peer, m)
	}
}

// handleSyn implements the SYN handler of §4.2 and the inbound path of
// §4.1.
func (s *Service) handleSyn(ctx context.Context, peer types.PeerId, addr types.Address, sess types.Session, m wire.Syn) {
	n, ok := s.table.Get(peer)
	if !ok {
		n = s.setupNeighbour(peer)
		n.ConnectAckTimestamp = m.Timestamp
		n.AckState = table.AckSendSynAck
		s.transition(n, table.SynRecvATS)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.ATSResponseTimeout))
		n.SuggestHandle = s.suggest.Suggest(n.ID, func(peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
			_ = s.post(func(ctx context.Context, s *Service) {
				s.onAddressSuggested(ctx, peer, addr, sess, bwIn, bwOut)
			})
		})
		return
	}

	n.ConnectAckTimestamp = m.Timestamp
	n.AckState = table.AckSendSynAck

	switch n.State {
	case table.NotConnected, table.InitATS, table.SynSent:
		// Tie-break (§4.1): keep pursuing our own path; the owed SYN-ACK is
		// sent once an address is available (see onBlacklistResult).
		if n.Primary != nil {
			s.sendSynAck(ctx, n, n.Primary)
		}

	case table.Connected, table.SwitchSynSent:
		if n.Primary != nil {
			s.sendSynAck(ctx, n, n.Primary)
		}

	default:
		log.G(ctx).WithField("peer", peer).WithField("state", n.State).Debug("SYN received in unhandled state")
	}
}

// handleSynAck implements the SYN-ACK handler of §4.2.
func (s *Service) handleSynAck(ctx context.Context, peer types.PeerId, addr types.Address, sess types.Session, m wire.Syn) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}

	switch n.State {
	case table.SynSent:
		if n.Primary == nil || !n.Primary.ConnectTimestamp.Equal(m.Timestamp) {
			log.G(ctx).WithField("peer", peer).Debug("SYN-ACK timestamp mismatch, dropped")
			return
		}
		n.Primary.Session = firstNonNil(sess, n.Primary.Session)
		s.transition(n, table.Connected)
		s.publishConnect(n)
		s.reportLiveness(n, n.Primary)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.IdleConnectionTimeout))
		s.sendAck(ctx, n, n.Primary)

	case table.ReconnectSent:
		if n.Primary == nil || !n.Primary.ConnectTimestamp.Equal(m.Timestamp) {
			return
		}
		n.Primary.Session = firstNonNil(sess, n.Primary.Session)
		s.transition(n, table.Connected)
		s.reportLiveness(n, n.Primary)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.IdleConnectionTimeout))
		s.sendAck(ctx, n, n.Primary)

	case table.SwitchSynSent:
		if n.Alternative == nil || !n.Alternative.ConnectTimestamp.Equal(m.Timestamp) {
			return
		}
		old := n.Primary
		n.Alternative.Session = firstNonNil(sess, n.Alternative.Session)
		n.Primary = n.Alternative
		n.Alternative = nil
		s.suggest.NewSession(n.Primary.Address, n.Primary.Session)
		if old != nil {
			old.ATSActive = false
			s.suggest.BlockReset(old.Address, old.Session)
		}
		n.Primary.ATSActive = true
		s.transition(n, table.Connected)
		s.publishConnect(n)
		s.reportLiveness(n, n.Primary)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.IdleConnectionTimeout))
		s.sendAck(ctx, n, n.Primary)

	case table.Connected:
		if n.Primary != nil {
			s.sendAck(ctx, n, n.Primary)
		}

	default:
		log.G(ctx).WithField("peer", peer).WithField("state", n.State).Debug("SYN-ACK received in unhandled state")
	}
}

func (s *Service) sendAck(ctx context.Context, n *table.Neighbour, na *table.NeighbourAddress) {
	if err := s.transmitControl(ctx, na.Address, na.Session, wire.Ack{}); err != nil {
		s.onTransmissionFailure(ctx, n, err)
	}
}

// handleAck implements the ACK handler of §4.2.
func (s *Service) handleAck(ctx context.Context, peer types.PeerId, addr types.Address, sess types.Session) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}
	if n.State != table.SynRecvAck && n.AckState != table.AckSendAck {
		return
	}
	if n.Primary == nil {
		return
	}
	n.Primary.Session = firstNonNil(sess, n.Primary.Session)
	n.AckState = table.AckUndefined
	s.transition(n, table.Connected)
	s.publishConnect(n)
	s.reportLiveness(n, n.Primary)
	s.setDeadline(n, s.clk.Now().Add(s.cfg.IdleConnectionTimeout))
	s.suggest.NewSession(n.Primary.Address, n.Primary.Session)
}

// reportLiveness calls the owning plugin's update_session_timeout (§6.3):
// a liveness hint that doubles as how a plugin without its own way to name
// a session's peer (e.g. tcp) learns the mapping it needs to report that
// session's later death back to the core.
func (s *Service) reportLiveness(n *table.Neighbour, na *table.NeighbourAddress) {
	if na == nil || na.Session == nil {
		return
	}
	p, err := s.plugins.Get(na.Address.Plugin)
	if err != nil {
		return
	}
	p.UpdateSessionTimeout(n.ID, na.Session)
}

// handleKeepalive implements the KEEPALIVE handler of §4.2.
func (s *Service) handleKeepalive(ctx context.Context, peer types.PeerId, addr types.Address, sess types.Session, m wire.Keepalive) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}
	resp := wire.NewKeepaliveResponse(m.Nonce)
	target := addr
	targetSess := sess
	if n.Primary != nil && n.Primary.Address.Equal(addr) {
		target, targetSess = n.Primary.Address, n.Primary.Session
	}
	if err := s.transmitControl(ctx, target, targetSess, resp); err != nil {
		log.G(ctx).WithField("peer", peer).WithError(err).Warn("keepalive-response send failed")
	}
}

// handleKeepaliveResponse implements the KEEPALIVE-RESPONSE handler of
// §4.2 and §8 scenario 2.
func (s *Service) handleKeepaliveResponse(ctx context.Context, peer types.PeerId, m wire.Keepalive) {
	n, ok := s.table.Get(peer)
	if !ok || n.State != table.Connected || n.Primary == nil {
		return
	}
	if !n.Primary.ExpectLatencyResponse || m.Nonce != n.Primary.KeepaliveNonce {
		if s.m != nil {
			s.m.KeepaliveBadNonce.Inc()
		}
		return
	}
	n.Primary.ExpectLatencyResponse = false
	sample := s.clk.Now().Sub(n.LastKeepaliveSentAt)
	delay := n.Primary.RecordDelay(sample)
	s.suggest.UpdateDelay(n.Primary.Address, delay)
	s.reportLiveness(n, n.Primary)
	s.setDeadline(n, s.clk.Now().Add(s.cfg.IdleConnectionTimeout))
}

// handleQuota implements the QUOTA handler of §4.2.
func (s *Service) handleQuota(ctx context.Context, peer types.PeerId, m wire.Quota) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}
	q := m.BytesPerSecond
	const protocolMinimum = 1024
	if q < protocolMinimum {
		q = protocolMinimum
	}
	n.NeighbourReceiveQuota = q
}

// handleDisconnect implements the DISCONNECT handler of §4.2: signature
// verification, replay defense, then scheduling delayed free (§8 scenario
// 4, P5).
func (s *Service) handleDisconnect(ctx context.Context, peer types.PeerId, m wire.Disconnect) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}
	if types.PeerId(m.PublicKey) != peer {
		s.breach(ctx, "disconnect public key does not match peer")
		return
	}
	if !s.verify.Verify(m.PublicKey[:], m.SignedPayload(), m.Signature[:]) {
		s.breach(ctx, "disconnect signature verification failed")
		return
	}
	if !m.Timestamp.After(n.ConnectAckTimestamp) {
		// Anti-replay (§4.1): a DISCONNECT no newer than the last timestamp
		// we recorded is ignored, including an exact repeat of one already
		// accepted (§8 P5).
		return
	}
	n.ConnectAckTimestamp = m.Timestamp
	s.disconnectReceived(ctx, n)
}

// breach logs a dropped protocol-frame error (§7) and bumps its metric.
func (s *Service) breach(ctx context.Context, reason string) {
	log.G(ctx).Warn("op_breach: " + reason)
	if s.m != nil {
		s.m.OpBreach.WithValues(reason).Inc()
	}
}

func firstNonNil(a, b types.Session) types.Session {
	if a != nil {
		return a
	}
	return b
}
