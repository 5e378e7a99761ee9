package memsuggest

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ngcore/neighbourd/neighbour/types"
)

func TestSuggestSynchronousWhenCandidateAvailable(t *testing.T) {
	s := New()
	peer := types.PeerId{1}
	addr := types.Address{Plugin: "loopback", Bytes: []byte("a")}
	s.Add(peer, addr, nil, 1000, 1000)

	var got types.Address
	h := s.Suggest(peer, func(_ types.PeerId, a types.Address, _ types.Session, _, _ uint32) {
		got = a
	})
	assert.Check(t, h == nil)
	assert.Check(t, got.Equal(addr))
}

func TestSuggestPendingUntilOffer(t *testing.T) {
	s := New()
	peer := types.PeerId{2}

	called := false
	h := s.Suggest(peer, func(_ types.PeerId, _ types.Address, _ types.Session, _, _ uint32) {
		called = true
	})
	assert.Check(t, h != nil)
	assert.Check(t, !called)

	s.Offer(peer, types.Address{Plugin: "loopback", Bytes: []byte("b")}, nil, 1, 1)
	assert.Check(t, called)
}

func TestBlockAddressSkipsCandidate(t *testing.T) {
	s := New()
	peer := types.PeerId{3}
	blocked := types.Address{Plugin: "loopback", Bytes: []byte("blocked")}
	allowed := types.Address{Plugin: "loopback", Bytes: []byte("allowed")}
	s.Add(peer, blocked, nil, 1, 1)
	s.Add(peer, allowed, nil, 1, 1)
	s.BlockAddress(blocked, nil)

	var got types.Address
	s.Suggest(peer, func(_ types.PeerId, a types.Address, _ types.Session, _, _ uint32) {
		got = a
	})
	assert.Check(t, got.Equal(allowed))
}

func TestCancelDropsPending(t *testing.T) {
	s := New()
	peer := types.PeerId{4}
	called := false
	h := s.Suggest(peer, func(_ types.PeerId, _ types.Address, _ types.Session, _, _ uint32) {
		called = true
	})
	s.Cancel(h)
	s.Offer(peer, types.Address{Plugin: "loopback", Bytes: []byte("x")}, nil, 1, 1)
	assert.Check(t, !called)
}
