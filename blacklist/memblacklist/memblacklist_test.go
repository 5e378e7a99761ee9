package memblacklist

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ngcore/neighbourd/blacklist"
	"github.com/ngcore/neighbourd/neighbour/types"
)

func TestTestAllowedDefaultsToAllowed(t *testing.T) {
	b := New()
	var gotResult blacklist.Result
	b.TestAllowed(types.PeerId{1}, "tcp", nil, nil, func(_ any, _ types.PeerId, _ string, _ *types.Address, _ types.Session, result blacklist.Result) {
		gotResult = result
	})
	assert.Equal(t, gotResult, blacklist.Allowed)
}

func TestDenyThenAllow(t *testing.T) {
	b := New()
	peer := types.PeerId{2}
	b.Deny(peer, "tcp")

	var result blacklist.Result
	b.TestAllowed(peer, "tcp", nil, nil, func(_ any, _ types.PeerId, _ string, _ *types.Address, _ types.Session, r blacklist.Result) {
		result = r
	})
	assert.Equal(t, result, blacklist.Denied)

	b.Allow(peer, "tcp")
	b.TestAllowed(peer, "tcp", nil, nil, func(_ any, _ types.PeerId, _ string, _ *types.Address, _ types.Session, r blacklist.Result) {
		result = r
	})
	assert.Equal(t, result, blacklist.Allowed)
}
