// Package suggester defines the Address Suggester collaborator of §6.1:
// the external component a neighbour asks "give me an address for peer P".
// Only the interface the core consumes is specified here; concrete address
// selection policy lives in implementations such as memsuggest.
package suggester

import (
	"time"

	"github.com/ngcore/neighbourd/neighbour/types"
)

// Handle identifies one outstanding connectivity_suggest registration, so a
// neighbour can later connectivity_suggest_cancel it without the suggester
// handing back a pointer into core-owned memory.
type Handle any

// Callback receives address_suggested events (§6.1), possibly more than
// once over the life of a neighbour (re-suggestion drives the SWITCH_SYN_SENT
// path of §4.1). Session may be nil when the suggester has only an address,
// not a live session, to offer.
type Callback func(peer types.PeerId, addr types.Address, sess types.Session, bwIn, bwOut uint32)

// Suggester is the Address Suggester collaborator (§6.1).
type Suggester interface {
	// Suggest registers interest in addresses for peer; cb may be invoked
	// any number of times, synchronously or later, until Cancel(handle).
	Suggest(peer types.PeerId, cb Callback) Handle
	// Cancel drops interest previously registered by Suggest.
	Cancel(h Handle)

	// NewSession, BlockAddress and BlockReset are advisory lifecycle
	// signals (§6.1); the suggester may use them to steer future
	// suggestions but the core does not wait on them.
	NewSession(addr types.Address, sess types.Session)
	BlockAddress(addr types.Address, sess types.Session)
	BlockReset(addr types.Address, sess types.Session)

	// UpdateDelay and UpdateUtilization report periodic measurements
	// (§6.1): round-trip delay from keepalive (§4.2) and observed
	// throughput (§5 utilization-report timer).
	UpdateDelay(addr types.Address, delay time.Duration)
	UpdateUtilization(addr types.Address, bpsIn, bpsOut uint64)
}
