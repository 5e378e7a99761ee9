// Package sign implements the purpose-signed payload of the DISCONNECT
// message (§4.2, wire.Disconnect): a detached Ed25519 signature over the
// fixed-size purpose block, so a peer's teardown cannot be forged or
// replayed against a different peer's identity. The core treats signing and
// verification as a pluggable collaborator rather than a hardcoded curve
// choice, the same way it treats transports and address suggestion.
package sign

import (
	"crypto/ed25519"
	"fmt"

	"github.com/containerd/errdefs"
)

// Signer produces a detached signature over a purpose-signed payload.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a detached signature over a purpose-signed payload against
// a claimed public key.
type Verifier interface {
	Verify(pubKey, payload, signature []byte) bool
}

// Ed25519Signer signs with a private key held in memory. There is
// deliberately no persistence or key-management here (§ Non-goals): callers
// supply and rotate keys themselves.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing Ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

// GenerateEd25519Signer creates a fresh keypair, for tests and standalone
// deployments that do not bring their own identity.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// Sign returns a detached signature over payload.
func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: %w", errdefs.ErrInvalidArgument)
	}
	return ed25519.Sign(s.priv, payload), nil
}

// PublicKey returns the public half of the signer's keypair.
func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

// Ed25519Verifier verifies detached Ed25519 signatures.
type Ed25519Verifier struct{}

// NewEd25519Verifier returns a stateless Ed25519 verifier.
func NewEd25519Verifier() Ed25519Verifier { return Ed25519Verifier{} }

// Verify reports whether signature is a valid Ed25519 signature by pubKey
// over payload. A malformed pubKey or signature is treated as a verification
// failure, not an error: callers only ever need the boolean (§4.2 DISCONNECT
// handling drops the message either way).
func (Ed25519Verifier) Verify(pubKey, payload, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), payload, signature)
}
