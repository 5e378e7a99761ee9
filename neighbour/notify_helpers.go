package neighbour

import (
	"github.com/ngcore/neighbourd/neighbour/notify"
	"github.com/ngcore/neighbourd/neighbour/table"
)

// publishStateChanged emits peer_state_changed (§6.4) on every FSM
// transition, for monitoring.
func (s *Service) publishStateChanged(n *table.Neighbour) {
	ev := notify.Event{
		Kind:          notify.StateChanged,
		Peer:          n.ID,
		State:         n.State.String(),
		StateDeadline: n.StateDeadline,
	}
	if n.Primary != nil {
		addr := n.Primary.Address
		ev.Address = &addr
		ev.InboundBandwidth = n.Primary.InboundBandwidth
		ev.OutboundBandwidth = n.Primary.OutboundBandwidth
	}
	_ = s.bus.Publish(ev)
}

// publishConnect emits connect_notification exactly once per connected
// interval (§6.4, §8 P3).
func (s *Service) publishConnect(n *table.Neighbour) {
	if n.NotifiedConnected {
		return
	}
	n.NotifiedConnected = true
	var bwIn, bwOut uint32
	if n.Primary != nil {
		bwIn, bwOut = n.Primary.InboundBandwidth, n.Primary.OutboundBandwidth
	}
	_ = s.bus.Publish(notify.Event{
		Kind:              notify.Connect,
		Peer:              n.ID,
		InboundBandwidth:  bwIn,
		OutboundBandwidth: bwOut,
	})
	if s.m != nil {
		s.m.HandshakeCompleted.Inc()
	}
}

// publishDisconnect emits disconnect_notification exactly once, terminating
// the interval opened by publishConnect (§6.4, §8 P3).
func (s *Service) publishDisconnect(n *table.Neighbour) {
	if !n.NotifiedConnected {
		return
	}
	n.NotifiedConnected = false
	_ = s.bus.Publish(notify.Event{Kind: notify.Disconnect, Peer: n.ID})
	if s.m != nil {
		s.m.Disconnects.Inc()
	}
}

// publishReceive forwards a payload received from a plugin (§6.4).
func (s *Service) publishReceive(n *table.Neighbour, payload []byte) {
	_ = s.bus.Publish(notify.Event{Kind: notify.Receive, Peer: n.ID, Payload: payload})
}
