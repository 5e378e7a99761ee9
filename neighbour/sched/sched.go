// Package sched implements the master-task scheduler of §4.3 and design
// note 3: exactly one deadline may be armed per neighbour, rearming cancels
// the previous one, and the whole service runs on a single real timer (the
// earliest deadline across all tracked neighbours) rather than one OS timer
// per neighbour. Built against the code.cloudfoundry.org/clock abstraction
// so tests can drive it with a fake clock instead of wall-clock sleeps.
package sched

import (
	"container/heap"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// farFuture is the deadline used to keep the underlying timer alive with
// nothing armed, rather than special-casing a stopped timer.
const farFuture = 365 * 24 * time.Hour

// Scheduler arms at most one deadline per types.PeerId and reports expired
// peers on Due(). It owns a single background goroutine; every other piece
// of neighbour state is mutated exclusively by whatever goroutine reads
// Due() (§5 requires one single-threaded dispatcher).
type Scheduler struct {
	clk clock.Clock

	mu    sync.Mutex
	items map[types.PeerId]*item
	pq    priorityQueue

	due   chan types.PeerId
	reset chan struct{}
	stop  chan struct{}
	once  sync.Once
}

type item struct {
	id       types.PeerId
	deadline time.Time
	index    int
}

// New creates a Scheduler. Call Run in its own goroutine to start it.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:   clk,
		items: make(map[types.PeerId]*item),
		due:   make(chan types.PeerId, 64),
		reset: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Due reports peers whose armed deadline has elapsed. The caller is the
// single dispatcher (§5); delivery order across distinct peers is not
// guaranteed to match deadline order exactly under heavy contention, but
// every due peer is eventually delivered exactly once per Arm.
func (s *Scheduler) Due() <-chan types.PeerId { return s.due }

// Arm schedules id to appear on Due() at deadline, cancelling any deadline
// previously armed for id (§3 invariant I5: at most one master_task handle
// per neighbour).
func (s *Scheduler) Arm(id types.PeerId, deadline time.Time) {
	s.mu.Lock()
	if it, ok := s.items[id]; ok {
		it.deadline = deadline
		heap.Fix(&s.pq, it.index)
	} else {
		it := &item{id: id, deadline: deadline}
		heap.Push(&s.pq, it)
		s.items[id] = it
	}
	s.mu.Unlock()
	s.wake()
}

// Cancel removes any armed deadline for id without firing it.
func (s *Scheduler) Cancel(id types.PeerId) {
	s.mu.Lock()
	if it, ok := s.items[id]; ok {
		heap.Remove(&s.pq, it.index)
		delete(s.items, id)
	}
	s.mu.Unlock()
	s.wake()
}

// Armed reports whether id currently has a live deadline, and what it is.
func (s *Scheduler) Armed(id types.PeerId) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return time.Time{}, false
	}
	return it.deadline, true
}

func (s *Scheduler) wake() {
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until Stop is called. It must run in its own
// goroutine.
func (s *Scheduler) Run() {
	timer := s.clk.NewTimer(farFuture)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.reset:
			s.rearm(timer)
		case <-timer.C():
			s.fireDue()
			s.rearm(timer)
		}
	}
}

// Stop halts the Run goroutine. It is idempotent.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Scheduler) fireDue() {
	now := s.clk.Now()
	for {
		s.mu.Lock()
		if s.pq.Len() == 0 || s.pq[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.pq).(*item)
		delete(s.items, it.id)
		s.mu.Unlock()

		select {
		case s.due <- it.id:
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) rearm(timer clock.Timer) {
	s.mu.Lock()
	var next time.Duration
	if s.pq.Len() == 0 {
		next = farFuture
	} else {
		next = s.pq[0].deadline.Sub(s.clk.Now())
		if next < 0 {
			next = 0
		}
	}
	s.mu.Unlock()

	timer.Stop()
	timer.Reset(next)
}

// priorityQueue orders items by ascending deadline; it implements
// container/heap.Interface.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].deadline.Before(pq[j].deadline)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}
