// Package types holds the wire-agnostic identity and addressing types shared
// across the neighbour management core and its collaborators: peer
// identities, transport addresses, and the opaque session handle contract a
// transport plugin must satisfy.
package types

import (
	"bytes"
	"encoding/hex"
)

// PeerIdSize is the length in bytes of a PeerId: an Ed25519 public key.
const PeerIdSize = 32

// PeerId is an opaque peer identifier. Its only defined operations are
// equality and a total order for table lookup (§3); nothing in this module
// interprets the bytes beyond "is this the same peer as that one".
type PeerId [PeerIdSize]byte

// String renders the identifier as lowercase hex, for logging.
func (p PeerId) String() string {
	return hex.EncodeToString(p[:])
}

// Less reports whether p sorts before o under the total order used for table
// indexing. The order carries no meaning beyond that.
func (p PeerId) Less(o PeerId) bool {
	return bytes.Compare(p[:], o[:]) < 0
}

// IsZero reports whether p is the zero value, used as a sentinel for "no
// peer" in a handful of call sites that would otherwise need a pointer.
func (p PeerId) IsZero() bool {
	return p == PeerId{}
}

// Address identifies a remote endpoint reachable through a named transport
// plugin. Equality is bytewise over Plugin and Bytes (§3); Peer is carried
// for convenience but does not participate in equality, since two Address
// values for the same peer via the same plugin but different opaque bytes
// are different addresses.
type Address struct {
	Plugin string
	Bytes  []byte
	Peer   PeerId
}

// Equal reports whether a and o name the same transport endpoint.
func (a Address) Equal(o Address) bool {
	return a.Plugin == o.Plugin && bytes.Equal(a.Bytes, o.Bytes)
}

// String renders the address for logging; it never attempts to decode
// Bytes, since only the owning plugin knows how (§6.3 address_pretty_printer
// belongs to the plugin, not the core).
func (a Address) String() string {
	return a.Plugin + ":" + hex.EncodeToString(a.Bytes)
}

// Session is an opaque, plugin-owned handle representing one live byte
// stream with a peer (§3). The core never inspects a Session beyond the
// identity its owning plugin reports; a plugin returns one from GetSession
// or delivers one unsolicited for an inbound connection.
type Session interface {
	// Plugin names the transport plugin that owns this session.
	Plugin() string
}
