package table

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ngcore/neighbourd/neighbour/types"
)

func peerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func TestInsertGetDelete(t *testing.T) {
	tb, err := New(nil)
	assert.NilError(t, err)

	id := peerID(7)
	n := &Neighbour{ID: id, State: InitATS}
	assert.NilError(t, tb.Insert(n))

	got, ok := tb.Get(id)
	assert.Check(t, ok)
	assert.Equal(t, got.State, InitATS)
	assert.Equal(t, tb.Len(), 1)

	tb.Delete(id)
	_, ok = tb.Get(id)
	assert.Check(t, !ok)
	assert.Equal(t, tb.Len(), 0)
}

func TestInsertReplacesExisting(t *testing.T) {
	tb, err := New(nil)
	assert.NilError(t, err)

	id := peerID(1)
	assert.NilError(t, tb.Insert(&Neighbour{ID: id, State: NotConnected}))
	assert.NilError(t, tb.Insert(&Neighbour{ID: id, State: Connected}))

	got, ok := tb.Get(id)
	assert.Check(t, ok)
	assert.Equal(t, got.State, Connected)
	assert.Equal(t, tb.Len(), 1)
}

func TestSnapshotCoversAllNeighbours(t *testing.T) {
	tb, err := New(nil)
	assert.NilError(t, err)

	for i := byte(0); i < 5; i++ {
		assert.NilError(t, tb.Insert(&Neighbour{ID: peerID(i), State: Connected}))
	}

	snap := tb.Snapshot()
	assert.Equal(t, len(snap), 5)
}

func TestStateConnectedPredicate(t *testing.T) {
	cases := []struct {
		s    State
		want bool
	}{
		{NotConnected, false},
		{InitATS, false},
		{SynSent, false},
		{SynRecvATS, false},
		{SynRecvAck, false},
		{Connected, true},
		{ReconnectATS, true},
		{ReconnectSent, true},
		{SwitchSynSent, true},
		{Disconnect, false},
		{DisconnectFinished, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.s.Connected(), c.want, c.s.String())
	}
}

func TestSendQueueFIFO(t *testing.T) {
	n := &Neighbour{ID: peerID(1)}
	assert.Check(t, n.Empty())

	a := &QueueEntry{Payload: []byte("a")}
	b := &QueueEntry{Payload: []byte("bb")}
	c := &QueueEntry{Payload: []byte("ccc")}
	n.PushBack(a)
	n.PushBack(b)
	n.PushBack(c)
	assert.Equal(t, n.BytesQueued, int64(6))
	assert.Equal(t, n.Front(), a)

	got := n.PopFront()
	assert.Equal(t, got, a)
	assert.Equal(t, n.BytesQueued, int64(5))

	got = n.PopFront()
	assert.Equal(t, got, b)
	got = n.PopFront()
	assert.Equal(t, got, c)
	assert.Check(t, n.Empty())
	assert.Equal(t, n.PopFront() == nil, true)
}

func TestNeighbourAddressStamping(t *testing.T) {
	na := &NeighbourAddress{ConnectTimestamp: time.Unix(1000, 0)}
	assert.Equal(t, na.ConnectTimestamp, time.Unix(1000, 0))
}
