package neighbour

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// errProtocolFrame wraps a dropped, malformed or replayed protocol message
// (§7 "Protocol-frame errors"): wrong size, mismatched key, bad signature,
// replay timestamp. reason should already be a complete, formatted message.
func errProtocolFrame(reason string) error {
	return fmt.Errorf("op_breach: %s: %w", reason, errdefs.ErrInvalidArgument)
}

// errNeighbourAbsent reports a reference to a peer with no table entry.
func errNeighbourAbsent(id fmt.Stringer) error {
	return fmt.Errorf("neighbour %s not found: %w", id, errdefs.ErrNotFound)
}

// errNotConnected is returned by Send (§4.4) when the connected predicate
// (§4.5) does not hold.
var errNotConnected = fmt.Errorf("neighbour not connected: %w", errdefs.ErrFailedPrecondition)

// errBlacklisted reports a blacklist denial (§6.2).
func errBlacklisted(addr fmt.Stringer) error {
	return fmt.Errorf("address %s denied by blacklist: %w", addr, errdefs.ErrPermissionDenied)
}

// errServiceStopped is returned by public entry points once Stop has been
// called; no further neighbour state may be touched.
var errServiceStopped = fmt.Errorf("service stopped: %w", errdefs.ErrUnavailable)
