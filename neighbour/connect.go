package neighbour

import (
	"context"

	"github.com/containerd/log"

	"github.com/ngcore/neighbourd/blacklist"
	"github.com/ngcore/neighbourd/neighbour/quota"
	"github.com/ngcore/neighbourd/neighbour/table"
	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/neighbour/wire"
)

// TryConnect is the local_request try_connect(peer) of §4.1: start (or
// no-op if already in progress/connected) a handshake toward peer.
func (s *Service) TryConnect(ctx context.Context, peer types.PeerId) error {
	return s.post(func(ctx context.Context, s *Service) {
		if n, ok := s.table.Get(peer); ok {
			log.G(ctx).WithField("peer", peer).WithField("state", n.State).Debug("try_connect: already in progress")
			return
		}
		n := s.setupNeighbour(peer)
		s.enterInitATS(ctx, n)
	})
}

// setupNeighbour creates and inserts a fresh NOT_CONNECTED entry (§3
// lifecycle: "created by setup_neighbour upon first local connect attempt
// or upon receipt of a SYN").
func (s *Service) setupNeighbour(peer types.PeerId) *table.Neighbour {
	n := &table.Neighbour{
		ID:                    peer,
		State:                 table.NotConnected,
		NeighbourReceiveQuota: s.cfg.DefaultInboundQuota,
	}
	n.Quota = quota.New(s.cfg.DefaultInboundQuota, s.cfg.QuotaViolationDecay, s.cfg.QuotaViolationDropThreshold)
	_ = s.table.Insert(n)
	return n
}

func (s *Service) enterInitATS(ctx context.Context, n *table.Neighbour) {
	s.transition(n, table.InitATS)
	s.setDeadline(n, s.clk.Now().Add(s.cfg.ATSResponseTimeout))
	n.SuggestHandle = s.suggest.Suggest(n.ID, func(peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
		_ = s.post(func(ctx context.Context, s *Service) {
			s.onAddressSuggested(ctx, peer, addr, sess, bwIn, bwOut)
		})
	})
}

// onAddressSuggested dispatches address_suggested (§6.1) per the neighbour's
// current state, per §4.1's canonical paths.
func (s *Service) onAddressSuggested(ctx context.Context, peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}

	switch n.State {
	case table.InitATS, table.ReconnectATS, table.SynRecvATS:
		s.beginBlacklistCheck(ctx, n, table.SlotPrimary, addr, sess, bwIn, bwOut)

	case table.Connected:
		if n.Primary != nil && n.Primary.Address.Equal(addr) {
			return // suggester re-proposing the address we already use
		}
		s.beginBlacklistCheck(ctx, n, table.SlotAlternative, addr, sess, bwIn, bwOut)

	case table.SwitchSynSent:
		if n.Primary != nil && n.Primary.Address.Equal(addr) {
			// Tie-break (§4.1): suggester re-proposed the still-active
			// primary; discard the alternative and go back to CONNECTED.
			n.Alternative = nil
			s.transition(n, table.Connected)
			return
		}
		s.beginBlacklistCheck(ctx, n, table.SlotAlternative, addr, sess, bwIn, bwOut)

	default:
		log.G(ctx).WithField("peer", peer).WithField("state", n.State).
			Debug("address_suggested ignored in this state")
	}
}

func (s *Service) beginBlacklistCheck(ctx context.Context, n *table.Neighbour, slot table.AddrSlot, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
	checkID := s.blist.TestAllowed(n.ID, addr.Plugin, &addr, sess, func(checkID any, peer types.PeerId, pluginName string, addr *types.Address, sess types.Session, result blacklist.Result) {
		_ = s.post(func(ctx context.Context, s *Service) {
			s.onBlacklistResult(ctx, checkID, peer, result)
		})
	})
	// A synchronous blacklist returns a nil checkID, and the reply it has
	// already queued carries the same nil; recording the check either way
	// lets onBlacklistResult match that reply.
	n.PendingCheck = &table.PendingBlacklistCheck{
		CheckID: checkID, Address: addr, Session: sess, BWIn: bwIn, BWOut: bwOut, Slot: slot,
	}
}

// onBlacklistResult resumes a suspended handler once the Blacklist
// collaborator replies (§5 "suspension points", §6.2).
func (s *Service) onBlacklistResult(ctx context.Context, checkID any, peer types.PeerId, result blacklist.Result) {
	n, ok := s.table.Get(peer)
	if !ok {
		return
	}
	pc := n.PendingCheck
	if pc == nil || pc.CheckID != checkID {
		return // stale or cancelled check
	}
	n.PendingCheck = nil

	if result != blacklist.Allowed {
		s.suggest.BlockAddress(pc.Address, pc.Session)
		log.G(ctx).WithField("peer", peer).WithField("address", pc.Address.String()).
			Warn("op_breach: address denied by blacklist")
		if pc.Slot == table.SlotAlternative && n.State == table.SwitchSynSent {
			n.Alternative = nil
			s.transition(n, table.Connected)
			if s.m != nil {
				s.m.SwitchFailed.Inc()
			}
		}
		return
	}

	na := &table.NeighbourAddress{
		Address:           pc.Address,
		Session:           pc.Session,
		InboundBandwidth:  pc.BWIn,
		OutboundBandwidth: pc.BWOut,
		ConnectTimestamp:  s.clk.Now(),
	}

	switch pc.Slot {
	case table.SlotPrimary:
		// A blacklist check is a suspension point (§5): the neighbour may
		// have left INIT_ATS/RECONNECT_ATS/SYN_RECV_ATS (disconnect,
		// timeout, a concurrent SYN) before this reply arrived.
		// Resurrecting it here would stomp whatever state it has since
		// moved to.
		if n.State != table.InitATS && n.State != table.ReconnectATS && n.State != table.SynRecvATS {
			log.G(ctx).WithField("peer", peer).WithField("state", n.State).
				Debug("blacklist result for primary ignored: neighbour left state")
			return
		}
		n.Primary = na
		s.suggest.NewSession(na.Address, na.Session)
		na.ATSActive = true
		switch n.State {
		case table.InitATS:
			s.transition(n, table.SynSent)
			s.setDeadline(n, s.clk.Now().Add(s.cfg.SetupConnectionTimeout))
			s.sendSyn(ctx, n, na)
		case table.ReconnectATS:
			s.transition(n, table.ReconnectSent)
			s.setDeadline(n, s.clk.Now().Add(s.cfg.SetupConnectionTimeout))
			s.sendSyn(ctx, n, na)
		case table.SynRecvATS:
			// Inbound path (§4.1): the obligation here is the SYN-ACK we
			// owe the peer, not a SYN of our own.
			s.transition(n, table.SynRecvAck)
			s.setDeadline(n, s.clk.Now().Add(s.cfg.SetupConnectionTimeout))
			s.sendSynAck(ctx, n, na)
		}

	case table.SlotAlternative:
		// Same suspension-point hazard as above: only CONNECTED and
		// SWITCH_SYN_SENT (a re-proposal after a tie-break miss) are valid
		// states to resolve an alternative-address check against.
		if n.State != table.Connected && n.State != table.SwitchSynSent {
			log.G(ctx).WithField("peer", peer).WithField("state", n.State).
				Debug("blacklist result for alternative ignored: neighbour left state")
			return
		}
		// ats_new_session is deliberately not called here (§9 open question):
		// the alternative only registers with the suggester once promoted to
		// primary in handleSynAck.
		n.Alternative = na
		s.transition(n, table.SwitchSynSent)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.SetupConnectionTimeout))
		s.sendSyn(ctx, n, na)
	}

	// A pending SYN-ACK owed to the peer from a concurrent inbound attempt
	// (§4.1 tie-break) is sent alongside whichever SYN the outbound path
	// just issued.
	if n.AckState == table.AckSendSynAck && n.Primary != nil {
		s.sendSynAck(ctx, n, n.Primary)
	}
}

func (s *Service) sendSyn(ctx context.Context, n *table.Neighbour, na *table.NeighbourAddress) {
	msg := wire.NewSyn(na.ConnectTimestamp)
	if err := s.transmitControl(ctx, na.Address, na.Session, msg); err != nil {
		s.onTransmissionFailure(ctx, n, err)
	}
}

func (s *Service) sendSynAck(ctx context.Context, n *table.Neighbour, na *table.NeighbourAddress) {
	msg := wire.NewSynAck(n.ConnectAckTimestamp)
	if err := s.transmitControl(ctx, na.Address, na.Session, msg); err == nil {
		n.AckState = table.AckSendAck
	}
}

// onTransmissionFailure implements §7's "Transient send failure" regression
// table.
func (s *Service) onTransmissionFailure(ctx context.Context, n *table.Neighbour, err error) {
	log.G(ctx).WithField("peer", n.ID).WithError(err).Error("transmission failure")
	switch n.State {
	case table.SynSent:
		n.Primary = nil
		s.transition(n, table.InitATS)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.FastReconnectTimeout))
	case table.ReconnectSent:
		n.Primary = nil
		s.transition(n, table.ReconnectATS)
		s.setDeadline(n, s.clk.Now().Add(s.cfg.FastReconnectTimeout))
	case table.SwitchSynSent:
		n.Alternative = nil
		s.transition(n, table.Connected)
		if s.m != nil {
			s.m.SwitchFailed.Inc()
		}
	}
}

// SetQuota implements the set_quota local request: updates the enforced
// inbound bandwidth ceiling without touching the violation counter (§3).
func (s *Service) SetQuota(peer types.PeerId, bytesPerSecond uint32) error {
	return s.post(func(ctx context.Context, s *Service) {
		n, ok := s.table.Get(peer)
		if !ok {
			return
		}
		n.Quota.SetRate(bytesPerSecond)
	})
}
