// Package neighbour implements the neighbour management core: the
// per-neighbour state machine driving handshake, reconnect, address switch
// and signed teardown (§4), wired to the single-threaded dispatch model of
// §5. Every exported method is safe to call from any goroutine; internally
// each one hands its work to the single dispatch goroutine that owns all
// neighbour state, matching the "no locks, no shared mutation across
// threads" commitment of §5.
package neighbour

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/ngcore/neighbourd/blacklist"
	"github.com/ngcore/neighbourd/config"
	"github.com/ngcore/neighbourd/metrics"
	"github.com/ngcore/neighbourd/neighbour/notify"
	"github.com/ngcore/neighbourd/neighbour/sched"
	"github.com/ngcore/neighbourd/neighbour/table"
	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/plugin"
	"github.com/ngcore/neighbourd/sign"
	"github.com/ngcore/neighbourd/suggester"
)

// cmdFunc is one unit of work executed exclusively on the dispatch goroutine.
// Every exported Service method that touches neighbour state is implemented
// by constructing one of these and handing it to the loop, rather than
// locking — the concurrency model design note's "single task scheduler" made
// literal.
type cmdFunc func(ctx context.Context, s *Service)

// Service is the neighbour management core's process-wide context (§5,
// design note 2: "global mutable state becomes fields of a single service
// context"). Construct with New.
type Service struct {
	self types.PeerId
	cfg  *config.Config
	clk  clock.Clock

	table   *table.Table
	sched   *sched.Scheduler
	bus     *notify.Bus
	suggest suggester.Suggester
	blist   blacklist.Blacklist
	plugins *plugin.Registry
	verify  sign.Verifier
	sig     sign.Signer
	m       *metrics.Metrics

	cmds chan cmdFunc

	cancel   context.CancelFunc
	g        *errgroup.Group
	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Service. self is this node's own identity, embedded as
// the signer public key on outgoing DISCONNECT messages (§6.5); m may be nil
// to disable metrics.
func New(
	cfg *config.Config,
	clk clock.Clock,
	self types.PeerId,
	suggest suggester.Suggester,
	blist blacklist.Blacklist,
	plugins *plugin.Registry,
	verify sign.Verifier,
	sig sign.Signer,
	m *metrics.Metrics,
) (*Service, error) {
	sc := sched.New(clk)
	tb, err := table.New(sc)
	if err != nil {
		return nil, fmt.Errorf("creating neighbour table: %w", err)
	}
	return &Service{
		self:    self,
		cfg:     cfg,
		clk:     clk,
		table:   tb,
		sched:   sc,
		bus:     notify.NewBus(),
		suggest: suggest,
		blist:   blist,
		plugins: plugins,
		verify:  verify,
		sig:     sig,
		m:       m,
		cmds:    make(chan cmdFunc, 256),
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the single dispatch goroutine plus its supporting
// background loops and returns immediately; it is the sole entry point that
// brings the service context to life (design note 2).
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.g = g

	g.Go(func() error {
		s.sched.Run()
		return nil
	})
	g.Go(func() error {
		s.dispatch(ctx)
		return nil
	})
	g.Go(func() error {
		s.utilizationReportLoop(ctx)
		return nil
	})

	log.G(ctx).Debug("neighbour service started")
	return nil
}

// Stop tears down every tracked neighbour and halts the dispatch loop
// (design note 2's sole lifecycle entry point for teardown). It is
// idempotent and blocks until every background goroutine has exited.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		if err := s.postSync(func(ctx context.Context, s *Service) {
			for _, snap := range s.table.Snapshot() {
				if n, ok := s.table.Get(snap.ID); ok {
					s.freeNeighbour(ctx, n)
				}
			}
		}); err != nil {
			log.L.WithError(err).Warn("neighbour service: stop drain failed")
		}
		close(s.stopped)
		s.sched.Stop()
		s.cancel()
	})
	if s.g == nil {
		return nil
	}
	return s.g.Wait()
}

func (s *Service) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.sched.Due():
			s.onTimerFire(ctx, id)
		case fn := <-s.cmds:
			fn(ctx, s)
		}
	}
}

// post hands fn to the dispatch goroutine without waiting for it to run.
func (s *Service) post(fn cmdFunc) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.stopped:
		return errServiceStopped
	}
}

// postSync hands fn to the dispatch goroutine and blocks until it has run.
func (s *Service) postSync(fn cmdFunc) error {
	done := make(chan struct{})
	err := s.post(func(ctx context.Context, s *Service) {
		fn(ctx, s)
		close(done)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Subscribe registers a new notification subscriber (§6.4).
func (s *Service) Subscribe(buffer int) (<-chan notify.Event, *notify.Subscription) {
	return notify.Subscribe(s.bus, buffer)
}

// Snapshot returns a consistent point-in-time view of every tracked
// neighbour (SPEC_FULL.md supplemented feature 2).
func (s *Service) Snapshot() []table.Snapshot {
	return s.table.Snapshot()
}

// rearm arms the scheduler for n at the earlier of its state deadline and
// its next keepalive due time (§4.3 step 3).
func (s *Service) rearm(n *table.Neighbour) {
	next := n.StateDeadline
	if !n.NextKeepaliveDueAt.IsZero() && (next.IsZero() || n.NextKeepaliveDueAt.Before(next)) {
		next = n.NextKeepaliveDueAt
	}
	if next.IsZero() {
		return
	}
	s.sched.Arm(n.ID, next)
}

// setDeadline updates a neighbour's state deadline and rearms its master
// task accordingly (§4.1 "extended whenever progress is made").
func (s *Service) setDeadline(n *table.Neighbour, d time.Time) {
	n.StateDeadline = d
	s.rearm(n)
}

// transition moves n to newState and emits peer_state_changed (§6.4).
func (s *Service) transition(n *table.Neighbour, newState table.State) {
	n.State = newState
	s.publishStateChanged(n)
}

func (s *Service) onTimerFire(ctx context.Context, id types.PeerId) {
	n, ok := s.table.Get(id)
	if !ok {
		return
	}
	now := s.clk.Now()

	if !n.StateDeadline.IsZero() && !n.StateDeadline.After(now) {
		s.onStateTimeout(ctx, n)
		if _, stillTracked := s.table.Get(id); !stillTracked {
			return
		}
	}

	switch n.State {
	case table.Connected, table.SwitchSynSent:
		s.tryTransmission(ctx, n)
		s.maybeSendKeepalive(ctx, n, now)
	}
	s.decayQuotaViolations(n, now)

	s.rearm(n)
}
