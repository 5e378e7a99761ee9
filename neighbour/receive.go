package neighbour

import (
	"context"

	"github.com/containerd/log"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// Receive is the inbound counterpart of Send: a plugin hands up an
// application payload it received from peer over sess. It is metered
// against the neighbour's inbound_quota_tracker (§3, §8 scenario 6) before
// being forwarded via the receive notification (§6.4); a payload arriving
// while the violation counter is over threshold is dropped (do_forward =
// NO) rather than forwarded.
func (s *Service) Receive(peer types.PeerId, sess types.Session, payload []byte) error {
	return s.post(func(ctx context.Context, s *Service) {
		n, ok := s.table.Get(peer)
		if !ok {
			return
		}
		if n.Quota == nil {
			s.publishReceive(n, payload)
			return
		}
		if n.Quota.ShouldDrop() {
			if s.m != nil {
				s.m.InboundDropped.Inc()
			}
			log.G(ctx).WithField("peer", peer).Debug("do_forward=NO: neighbour over quota")
			n.Quota.Observe(s.clk.Now(), len(payload))
			n.QuotaViolationCount = n.Quota.Violations()
			return
		}
		violated := n.Quota.Observe(s.clk.Now(), len(payload))
		n.QuotaViolationCount = n.Quota.Violations()
		if s.m != nil {
			s.m.QuotaViolationCount.WithValues(peer.String()).Set(float64(n.QuotaViolationCount))
		}
		if violated {
			return // dropped: this observation itself was over budget
		}
		n.UtilBytesRecv += uint64(len(payload))
		s.publishReceive(n, payload)
	})
}
