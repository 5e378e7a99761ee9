// Package memblacklist is a reference in-memory Blacklist (§6.2): a static
// deny-set of peer/plugin pairs, consulted synchronously.
package memblacklist

import (
	"sync"

	"github.com/ngcore/neighbourd/blacklist"
	"github.com/ngcore/neighbourd/neighbour/types"
)

type key struct {
	peer   types.PeerId
	plugin string
}

// Blacklist is the reference implementation of blacklist.Blacklist: every
// check resolves synchronously, so TestAllowed always returns a nil
// checkID and Cancel is a no-op.
type Blacklist struct {
	mu     sync.RWMutex
	denied map[key]bool
}

// New creates an empty Blacklist; nothing is denied until Deny is called.
func New() *Blacklist {
	return &Blacklist{denied: make(map[key]bool)}
}

// Deny adds peer/pluginName to the deny set.
func (b *Blacklist) Deny(peer types.PeerId, pluginName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[key{peer, pluginName}] = true
}

// Allow removes peer/pluginName from the deny set, if present.
func (b *Blacklist) Allow(peer types.PeerId, pluginName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.denied, key{peer, pluginName})
}

// TestAllowed implements blacklist.Blacklist.
func (b *Blacklist) TestAllowed(peer types.PeerId, pluginName string, addr *types.Address, sess types.Session, cb blacklist.Callback) any {
	b.mu.RLock()
	denied := b.denied[key{peer, pluginName}]
	b.mu.RUnlock()
	result := blacklist.Allowed
	if denied {
		result = blacklist.Denied
	}
	cb(nil, peer, pluginName, addr, sess, result)
	return nil
}

// Cancel implements blacklist.Blacklist; every check resolves synchronously
// inside TestAllowed, so there is never anything outstanding to cancel.
func (b *Blacklist) Cancel(checkID any) {}
