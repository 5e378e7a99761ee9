package neighbour

import (
	"context"
	"time"

	"github.com/containerd/log"

	"github.com/ngcore/neighbourd/neighbour/table"
	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/neighbour/wire"
)

// controlPriority is the priority handshake/keepalive/teardown frames are
// sent at; these never go through the payload send queue of §4.4, since the
// state machine itself, not an upper layer via send(), originates them.
const controlPriority = 0

// transmitControl frames and hands msg directly to the owning plugin,
// bypassing the per-neighbour DLL queue (§4.4 applies to payload submitted
// through Send, not to the state machine's own protocol messages).
func (s *Service) transmitControl(ctx context.Context, addr types.Address, sess types.Session, msg wire.Message) error {
	p, err := s.plugins.Get(addr.Plugin)
	if err != nil {
		return err
	}
	if sess == nil {
		sess, err = p.GetSession(ctx, addr)
		if err != nil {
			return err
		}
	}
	frame := msg.Encode(make([]byte, 0, 128))
	_, err = p.Send(ctx, sess, frame, controlPriority, s.cfg.DisconnectSentTimeout, func(peer types.PeerId, success bool, payloadSize, wireSize int) {
		if !success {
			log.L.WithField("peer", peer).WithField("type", msg.Type().String()).Warn("control message send failed")
		}
	})
	return err
}

// Send implements the send(peer, payload, deadline, completion) local
// request of §4.4: enqueue payload on the neighbour's DLL and wake its
// master task. It fails immediately with "not connected" if the connected
// predicate of §4.5 does not hold.
func (s *Service) Send(peer types.PeerId, payload []byte, deadline time.Time, completion func(success bool)) error {
	var opErr error
	err := s.postSync(func(ctx context.Context, s *Service) {
		n, ok := s.table.Get(peer)
		if !ok {
			opErr = errNeighbourAbsent(peer)
			return
		}
		if !n.State.Connected() {
			opErr = errNotConnected
			return
		}
		n.PushBack(&table.QueueEntry{Payload: payload, Deadline: deadline, Completion: completion})
		if s.m != nil {
			s.m.BytesInSendQueue.Inc(float64(len(payload)))
		}
		s.tryTransmission(ctx, n)
		s.rearm(n)
	})
	if err != nil {
		return err
	}
	return opErr
}

// tryTransmission is the transmission loop of §4.4.
func (s *Service) tryTransmission(ctx context.Context, n *table.Neighbour) {
	if n.Active != nil {
		return // in-flight already (§4.4 step 1)
	}
	now := s.clk.Now()
	for {
		head := n.Front()
		if head == nil {
			return
		}
		if !head.Deadline.IsZero() && head.Deadline.Before(now) {
			n.PopFront()
			if s.m != nil {
				s.m.BytesInSendQueue.Dec(float64(len(head.Payload)))
			}
			s.completeEntry(head, false)
			continue
		}
		break
	}

	if n.Primary == nil || n.Primary.Session == nil {
		return
	}
	p, err := s.plugins.Get(n.Primary.Address.Plugin)
	if err != nil {
		log.G(ctx).WithError(err).Warn("tryTransmission: plugin lookup failed")
		return
	}

	entry := n.PopFront()
	n.Active = entry

	_, err = p.Send(ctx, n.Primary.Session, entry.Payload, controlPriority, time.Until(entry.Deadline), func(peer types.PeerId, success bool, payloadSize, wireSize int) {
		_ = s.post(func(ctx context.Context, s *Service) {
			s.onSendComplete(ctx, peer, entry, success, payloadSize)
		})
	})
	if err != nil {
		n.Active = nil
		if s.m != nil {
			s.m.BytesInSendQueue.Dec(float64(len(entry.Payload)))
		}
		s.completeEntry(entry, false)
	}
}

// onSendComplete is the completion trampoline of §4.4 step 5.
func (s *Service) onSendComplete(ctx context.Context, peer types.PeerId, entry *table.QueueEntry, success bool, payloadSize int) {
	n, ok := s.table.Get(peer)
	if ok {
		n.Active = nil
		if success {
			n.UtilBytesSent += uint64(payloadSize)
		}
		if s.m != nil {
			s.m.BytesInSendQueue.Dec(float64(len(entry.Payload)))
		}
		s.completeEntry(entry, success)
		s.tryTransmission(ctx, n)
		s.rearm(n)
		return
	}
	s.completeEntry(entry, success)
}

func (s *Service) completeEntry(e *table.QueueEntry, success bool) {
	if e.Completion != nil {
		e.Completion(success)
	}
}

// maybeSendKeepalive implements the "send_keepalive (no-ops if
// next_keepalive_due > now)" clause of §4.3.
func (s *Service) maybeSendKeepalive(ctx context.Context, n *table.Neighbour, now time.Time) {
	if n.NextKeepaliveDueAt.After(now) {
		return
	}
	if n.Primary == nil || n.Primary.Session == nil {
		return
	}
	nonce := keepaliveNonce(n, now)
	n.Primary.KeepaliveNonce = nonce
	n.Primary.ExpectLatencyResponse = true
	n.LastKeepaliveSentAt = now

	factor := uint(1)
	if p, err := s.plugins.Get(n.Primary.Address.Plugin); err == nil {
		if f := p.KeepaliveFactor(); f > 0 {
			factor = f
		}
	}
	interval := s.cfg.KeepaliveInterval / time.Duration(factor)
	if interval <= 0 {
		interval = s.cfg.KeepaliveInterval
	}
	n.NextKeepaliveDueAt = now.Add(interval)

	msg := wire.NewKeepalive(nonce)
	if err := s.transmitControl(ctx, n.Primary.Address, n.Primary.Session, msg); err != nil {
		log.G(ctx).WithField("peer", n.ID).WithError(err).Warn("keepalive send failed")
	}
}

// keepaliveNonce derives a nonzero nonce from the neighbour id and the
// firing time, so nonces differ across probes without needing a PRNG
// dependency for a value whose only requirement is "distinguishable".
func keepaliveNonce(n *table.Neighbour, now time.Time) uint32 {
	h := uint32(now.UnixNano()) ^ uint32(n.ID[0])<<24 ^ uint32(n.ID[1])<<16
	if h == 0 {
		h = 1
	}
	return h
}

// utilizationReportLoop periodically reports observed throughput to the
// suggester (§6.1 ats_update_utilization), matching the "process-wide
// utilization-report timer handle" of §5's shared state.
func (s *Service) utilizationReportLoop(ctx context.Context) {
	const tick = 10 * time.Second
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.post(func(ctx context.Context, s *Service) {
				s.reportUtilization(ctx)
			})
		}
	}
}

func (s *Service) reportUtilization(ctx context.Context) {
	now := s.clk.Now()
	for _, snap := range s.table.Snapshot() {
		n, ok := s.table.Get(snap.ID)
		if !ok || n.Primary == nil {
			continue
		}
		elapsed := now.Sub(n.LastUtilReportAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		bpsOut := uint64(float64(n.UtilBytesSent) / elapsed)
		bpsIn := uint64(float64(n.UtilBytesRecv) / elapsed)
		s.suggest.UpdateUtilization(n.Primary.Address, bpsIn, bpsOut)
		n.UtilBytesSent, n.UtilBytesRecv = 0, 0
		n.LastUtilReportAt = now
	}
}
