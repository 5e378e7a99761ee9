// Package memsuggest is a reference in-memory Address Suggester (§6.1): it
// keeps a static pool of candidate addresses per peer, offered round-robin,
// honouring BlockAddress/BlockReset so a denied or failed address is not
// re-offered until explicitly reset.
package memsuggest

import (
	"sync"
	"time"

	"github.com/ngcore/neighbourd/neighbour/types"
	"github.com/ngcore/neighbourd/suggester"
)

type candidate struct {
	addr    types.Address
	sess    types.Session
	bwIn    uint32
	bwOut   uint32
	blocked bool
}

type pending struct {
	peer types.PeerId
	cb   suggester.Callback
}

// Suggester is the reference implementation of suggester.Suggester.
type Suggester struct {
	mu        sync.Mutex
	pool      map[types.PeerId][]*candidate
	pending   map[suggester.Handle]*pending
	nextH     int
	nextOffer map[types.PeerId]int
}

// New creates an empty Suggester. Use Add to seed candidate addresses
// before peers are connected; nothing prevents adding candidates later.
func New() *Suggester {
	return &Suggester{
		pool:      make(map[types.PeerId][]*candidate),
		pending:   make(map[suggester.Handle]*pending),
		nextOffer: make(map[types.PeerId]int),
	}
}

// Add registers a candidate address for peer, usable once a Suggest call
// for that peer is outstanding.
func (s *Suggester) Add(peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool[peer] = append(s.pool[peer], &candidate{addr: addr, sess: sess, bwIn: bwIn, bwOut: bwOut})
}

// Suggest implements suggester.Suggester. It offers the next unblocked
// candidate for peer synchronously via cb and returns a nil Handle, or
// registers as pending with a live Handle if no candidate is currently
// available.
func (s *Suggester) Suggest(peer types.PeerId, cb suggester.Callback) suggester.Handle {
	s.mu.Lock()
	c := s.nextUnblockedLocked(peer)
	if c == nil {
		s.nextH++
		h := s.nextH
		s.pending[h] = &pending{peer: peer, cb: cb}
		s.mu.Unlock()
		return h
	}
	s.mu.Unlock()
	cb(peer, c.addr, c.sess, c.bwIn, c.bwOut)
	return nil
}

// Offer delivers a fresh candidate to any Suggest call still pending for
// peer, the counterpart to the asynchronous half of Suggest.
func (s *Suggester) Offer(peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32) {
	s.mu.Lock()
	var cb suggester.Callback
	var h suggester.Handle
	found := false
	for handle, p := range s.pending {
		if p.peer == peer {
			cb, h, found = p.cb, handle, true
			break
		}
	}
	if found {
		delete(s.pending, h)
	}
	s.pool[peer] = append(s.pool[peer], &candidate{addr: addr, sess: sess, bwIn: bwIn, bwOut: bwOut})
	s.mu.Unlock()
	if found {
		cb(peer, addr, sess, bwIn, bwOut)
	}
}

func (s *Suggester) nextUnblockedLocked(peer types.PeerId) *candidate {
	list := s.pool[peer]
	n := len(list)
	if n == 0 {
		return nil
	}
	start := s.nextOffer[peer]
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !list[idx].blocked {
			s.nextOffer[peer] = idx + 1
			return list[idx]
		}
	}
	return nil
}

// Cancel implements suggester.Suggester: drops a pending suggestion request
// that never resolved.
func (s *Suggester) Cancel(h suggester.Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, h)
}

// BlockAddress implements suggester.Suggester: marks addr (matched by
// transport identity) unusable for future offers until BlockReset.
func (s *Suggester) BlockAddress(addr types.Address, sess types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.pool {
		for _, c := range list {
			if c.addr.Equal(addr) {
				c.blocked = true
			}
		}
	}
}

// BlockReset implements suggester.Suggester: clears a previous BlockAddress.
func (s *Suggester) BlockReset(addr types.Address, sess types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.pool {
		for _, c := range list {
			if c.addr.Equal(addr) {
				c.blocked = false
			}
		}
	}
}

// NewSession implements suggester.Suggester. The reference implementation
// has no bandwidth-allocation policy to update; it exists so callers have
// somewhere to report the fact a session started.
func (s *Suggester) NewSession(addr types.Address, sess types.Session) {}

// UpdateDelay implements suggester.Suggester; recorded observations are
// discarded since this reference implementation has no ATS scoring model.
func (s *Suggester) UpdateDelay(addr types.Address, delay time.Duration) {}

// UpdateUtilization implements suggester.Suggester.
func (s *Suggester) UpdateUtilization(addr types.Address, bpsIn, bpsOut uint64) {}
