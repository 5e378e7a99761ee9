// Package blacklist defines the Blacklist collaborator of §6.2: the gate a
// neighbour consults before accepting a session with a peer/plugin pair.
package blacklist

import (
	"github.com/ngcore/neighbourd/neighbour/types"
)

// Result is the outcome of one blacklist_test_allowed check.
type Result int

const (
	// Allowed means the peer/address/plugin combination may proceed.
	Allowed Result = iota
	// Denied means policy forbids the combination; the core must treat
	// it as if the session never existed (§4.1 handshake rejection path).
	Denied
	// SystemError means the check itself failed (e.g. the blacklist
	// backend is unreachable); callers treat it the same as Denied but
	// may log or retry differently.
	SystemError
)

func (r Result) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case SystemError:
		return "system_error"
	default:
		return "unknown"
	}
}

// Callback receives the outcome of one TestAllowed call. checkID is the same
// value TestAllowed returned, letting a caller correlate an asynchronous
// reply without needing a live back-pointer into the neighbour.
type Callback func(checkID any, peer types.PeerId, pluginName string, addr *types.Address, sess types.Session, result Result)

// Blacklist is the Blacklist collaborator (§6.2).
type Blacklist interface {
	// TestAllowed asks whether peer may use pluginName, optionally scoped
	// to one address/session. cb may be invoked synchronously, before
	// TestAllowed returns, or later; either way it is invoked exactly
	// once. The returned handle can be passed to Cancel.
	TestAllowed(peer types.PeerId, pluginName string, addr *types.Address, sess types.Session, cb Callback) any
	// Cancel abandons a pending check; cb for it will not be invoked
	// after Cancel returns.
	Cancel(checkID any)
}
