package loopback

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// A single loopback.Plugin instance models one in-process network: every
// endpoint that wants to exchange frames registers a Sink on the same
// instance, the same way every host on a real network shares one wire.
func TestSendDeliversToRegisteredEndpoint(t *testing.T) {
	net := New(types.PeerId{1})

	var received []byte
	net.Register("bob", func(peer types.PeerId, addr types.Address, sess types.Session, raw []byte) error {
		received = raw
		return nil
	})

	sess, err := net.GetSession(context.Background(), net.Endpoint("bob"))
	assert.NilError(t, err)

	_, err = net.Send(context.Background(), sess, []byte("hello"), 0, time.Second, nil)
	assert.NilError(t, err)
	assert.DeepEqual(t, received, []byte("hello"))
}

func TestGetSessionUnknownEndpoint(t *testing.T) {
	net := New(types.PeerId{1})
	_, err := net.GetSession(context.Background(), types.Address{Plugin: PluginName, Bytes: []byte("ghost")})
	assert.Check(t, err != nil)
}

func TestSendReportsCompletion(t *testing.T) {
	net := New(types.PeerId{1})
	net.Register("bob", func(peer types.PeerId, addr types.Address, sess types.Session, raw []byte) error {
		return nil
	})
	sess, err := net.GetSession(context.Background(), net.Endpoint("bob"))
	assert.NilError(t, err)

	var success bool
	_, err = net.Send(context.Background(), sess, []byte("x"), 0, time.Second, func(_ types.PeerId, ok bool, _, _ int) {
		success = ok
	})
	assert.NilError(t, err)
	assert.Check(t, success)
}
