package sched

import (
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"gotest.tools/v3/assert"

	"github.com/ngcore/neighbourd/neighbour/types"
)

func peerID(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func TestArmFiresAtDeadline(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	s := New(fc)
	go s.Run()
	defer s.Stop()

	a := peerID(1)
	s.Arm(a, fc.Now().Add(5*time.Second))

	fc.WaitForWatcherAndIncrement(5 * time.Second)

	select {
	case got := <-s.Due():
		assert.Equal(t, got, a)
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestRearmCancelsPrevious(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	s := New(fc)
	go s.Run()
	defer s.Stop()

	a := peerID(1)
	s.Arm(a, fc.Now().Add(1*time.Second))
	s.Arm(a, fc.Now().Add(10*time.Second)) // rearm: cancels the 1s deadline

	fc.WaitForWatcherAndIncrement(9 * time.Second)
	select {
	case <-s.Due():
		t.Fatal("peer fired before its rearmed deadline")
	case <-time.After(100 * time.Millisecond):
	}

	fc.Increment(2 * time.Second)
	select {
	case got := <-s.Due():
		assert.Equal(t, got, a)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never fired after rearmed deadline elapsed")
	}
}

func TestCancelSuppressesFiring(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	s := New(fc)
	go s.Run()
	defer s.Stop()

	a := peerID(1)
	s.Arm(a, fc.Now().Add(1*time.Second))
	s.Cancel(a)

	_, armed := s.Armed(a)
	assert.Check(t, !armed)

	fc.WaitForWatcherAndIncrement(5 * time.Second)
	select {
	case <-s.Due():
		t.Fatal("cancelled peer fired anyway")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEarliestOfManyFiresFirst(t *testing.T) {
	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	s := New(fc)
	go s.Run()
	defer s.Stop()

	a, b, c := peerID(1), peerID(2), peerID(3)
	s.Arm(b, fc.Now().Add(30*time.Second))
	s.Arm(a, fc.Now().Add(10*time.Second))
	s.Arm(c, fc.Now().Add(20*time.Second))

	fc.WaitForWatcherAndIncrement(10 * time.Second)
	select {
	case got := <-s.Due():
		assert.Equal(t, got, a)
	case <-time.After(2 * time.Second):
		t.Fatal("earliest deadline never fired")
	}
}
