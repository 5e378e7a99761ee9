// Package notify implements the upper-layer notification surface of §6.4:
// connect_notification, disconnect_notification, peer_state_changed, and
// receive. Events are published onto a github.com/docker/go-events
// broadcaster so a slow or blocked subscriber cannot stall the single
// scheduler dispatch loop that produces them (§5) — each subscription is
// wrapped in its own events.Queue.
package notify

import (
	"time"

	"github.com/docker/go-events"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// Kind discriminates the four notification shapes of §6.4.
type Kind int

const (
	Connect Kind = iota
	Disconnect
	StateChanged
	Receive
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case StateChanged:
		return "state_changed"
	case Receive:
		return "receive"
	default:
		return "unknown"
	}
}

// Event is the payload delivered for every notification kind; fields not
// relevant to Kind are left zero.
type Event struct {
	Kind Kind
	Peer types.PeerId

	// Connect / StateChanged
	Address         *types.Address
	State           string
	StateDeadline   time.Time
	InboundBandwidth  uint32
	OutboundBandwidth uint32

	// Receive
	Payload []byte
}

// Bus fans Event values out to subscribers. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	broadcaster *events.Broadcaster
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{broadcaster: events.NewBroadcaster()}
}

// Publish delivers ev to every current subscriber. It must be called only
// from the single scheduler dispatch loop (§5); Publish itself never
// blocks on a slow subscriber because every subscriber sink is wrapped in
// an events.Queue by Subscribe.
func (b *Bus) Publish(ev Event) error {
	return b.broadcaster.Write(ev)
}

// Subscription is returned by Subscribe; call Close to stop receiving
// events and release the background queue goroutine.
type Subscription struct {
	bus   *Bus
	queue *events.Queue
	sink  events.Sink
}

// Close unsubscribes and drains the queue's goroutine.
func (s *Subscription) Close() error {
	_ = s.bus.broadcaster.Remove(s.sink)
	return s.queue.Close()
}

// chanSink adapts a Go channel to events.Sink so subscribers can range over
// a typed channel instead of implementing the interface themselves.
type chanSink struct {
	c chan<- Event
}

func (c chanSink) Write(ev events.Event) error {
	c.c <- ev.(Event)
	return nil
}

func (c chanSink) Close() error {
	close(c.c)
	return nil
}

// Subscribe registers a new subscriber and returns the channel it will
// receive events on, plus a Subscription to unregister it. buffer sizes
// the channel so a subscriber falling behind queues events in memory
// (via events.Queue) rather than stalling the publisher.
func Subscribe(b *Bus, buffer int) (<-chan Event, *Subscription) {
	c := make(chan Event, buffer)
	sink := chanSink{c: c}
	queue := events.NewQueue(sink)
	b.broadcaster.Add(queue)
	return c, &Subscription{bus: b, queue: queue, sink: queue}
}
