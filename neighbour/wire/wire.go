// Package wire implements the bit-exact protocol framing of §6.5: encoding
// and decoding of the seven neighbour-management messages (SYN, SYN-ACK,
// ACK, KEEPALIVE, KEEPALIVE-RESPONSE, QUOTA, DISCONNECT). Nothing in this
// package touches neighbour state; it is a pure leaf dependency, as the
// component order in §2 requires.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// Type is the 2-byte message-class tag carried in every frame's header.
// Only the SYN value is pinned by §8 scenario 1 ("type = 0x0175
// placeholder"); the remaining six are assigned sequentially from it so the
// whole family stays internally consistent.
type Type uint16

const (
	TypeSYN               Type = 0x0175
	TypeSYNACK             Type = 0x0176
	TypeACK               Type = 0x0177
	TypeKeepalive         Type = 0x0178
	TypeKeepaliveResponse Type = 0x0179
	TypeQuota             Type = 0x017A
	TypeDisconnect        Type = 0x017B
)

func (t Type) String() string {
	switch t {
	case TypeSYN:
		return "SYN"
	case TypeSYNACK:
		return "SYN-ACK"
	case TypeACK:
		return "ACK"
	case TypeKeepalive:
		return "KEEPALIVE"
	case TypeKeepaliveResponse:
		return "KEEPALIVE-RESPONSE"
	case TypeQuota:
		return "QUOTA"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(t))
	}
}

const headerSize = 4 // size(2) + type(2)

// Sizes of each fixed-length message, including the header (§6.5).
const (
	SizeSynOrSynAck  = 16
	SizeAck          = 4
	SizeKeepalive    = 8
	SizeQuota        = 8
	SizeDisconnect   = 120
	disconnectReserv = 0
)

// PurposeSignedSize is the value the DISCONNECT message's embedded
// purpose.size field must carry (§6.5). Taken verbatim from the
// specification's stated constant.
const PurposeSignedSize = 52

// PurposeTransportDisconnect tags what a DISCONNECT signature vouches for.
const PurposeTransportDisconnect uint32 = 37

// Message is implemented by every decoded frame.
type Message interface {
	Type() Type
	// Encode appends the wire representation of the message to dst and
	// returns the extended slice.
	Encode(dst []byte) []byte
}

// Syn is the SYN / SYN-ACK payload: a single microsecond timestamp echoed
// back by the peer to disambiguate concurrent handshake attempts (§4.1).
type Syn struct {
	ack       bool
	Timestamp time.Time
}

func NewSyn(ts time.Time) Syn     { return Syn{Timestamp: ts} }
func NewSynAck(ts time.Time) Syn  { return Syn{ack: true, Timestamp: ts} }
func (s Syn) Type() Type {
	if s.ack {
		return TypeSYNACK
	}
	return TypeSYN
}

func (s Syn) Encode(dst []byte) []byte {
	dst = appendHeader(dst, SizeSynOrSynAck, s.Type())
	dst = appendUint32(dst, 0) // reserved
	dst = appendUint64(dst, encodeTimestamp(s.Timestamp))
	return dst
}

// Ack is the bare handshake-completion acknowledgement; header only.
type Ack struct{}

func (Ack) Type() Type { return TypeACK }
func (Ack) Encode(dst []byte) []byte {
	return appendHeader(dst, SizeAck, TypeACK)
}

// Keepalive carries a nonce that KeepaliveResponse must echo (§4.2).
type Keepalive struct {
	response bool
	Nonce    uint32
}

func NewKeepalive(nonce uint32) Keepalive         { return Keepalive{Nonce: nonce} }
func NewKeepaliveResponse(nonce uint32) Keepalive { return Keepalive{response: true, Nonce: nonce} }
func (k Keepalive) Type() Type {
	if k.response {
		return TypeKeepaliveResponse
	}
	return TypeKeepalive
}

func (k Keepalive) Encode(dst []byte) []byte {
	dst = appendHeader(dst, SizeKeepalive, k.Type())
	dst = appendUint32(dst, k.Nonce)
	return dst
}

// Quota advertises the bandwidth (bytes/sec) the sender will accept.
type Quota struct {
	BytesPerSecond uint32
}

func (Quota) Type() Type { return TypeQuota }
func (q Quota) Encode(dst []byte) []byte {
	dst = appendHeader(dst, SizeQuota, TypeQuota)
	dst = appendUint32(dst, q.BytesPerSecond)
	return dst
}

// Disconnect is the signed, timestamped teardown message (§6.5). The
// signature covers Purpose||Timestamp and is produced/checked by the
// sign package; this package only frames and parses the bytes.
type Disconnect struct {
	Timestamp time.Time
	PublicKey [32]byte
	Signature [64]byte
}

func (Disconnect) Type() Type { return TypeDisconnect }

// SignedPayload returns the bytes a DISCONNECT's signature must cover:
// purpose || timestamp, as specified in §6.5.
func (d Disconnect) SignedPayload() []byte {
	buf := make([]byte, 0, 16)
	buf = appendUint32(buf, PurposeTransportDisconnect)
	buf = appendUint64(buf, encodeTimestamp(d.Timestamp))
	return buf
}

func (d Disconnect) Encode(dst []byte) []byte {
	dst = appendHeader(dst, SizeDisconnect, TypeDisconnect)
	dst = appendUint32(dst, disconnectReserv)
	dst = appendUint32(dst, PurposeSignedSize)
	dst = appendUint32(dst, PurposeTransportDisconnect)
	dst = appendUint64(dst, encodeTimestamp(d.Timestamp))
	dst = append(dst, d.PublicKey[:]...)
	dst = append(dst, d.Signature[:]...)
	return dst
}

// Decode parses a single framed message from b, which must contain exactly
// one frame (no trailing bytes). Any size mismatch is reported as
// cerrdefs.ErrInvalidArgument, matching the "Protocol-frame errors" class
// of §7 (logged by the caller as op_breach, message dropped).
func Decode(b []byte) (Message, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("wire: frame shorter than header (%d bytes): %w", len(b), cerrdefs.ErrInvalidArgument)
	}
	size := binary.BigEndian.Uint16(b[0:2])
	typ := Type(binary.BigEndian.Uint16(b[2:4]))
	if int(size) != len(b) {
		return nil, fmt.Errorf("wire: %s header size %d does not match frame length %d: %w", typ, size, len(b), cerrdefs.ErrInvalidArgument)
	}

	switch typ {
	case TypeSYN, TypeSYNACK:
		if len(b) != SizeSynOrSynAck {
			return nil, fmt.Errorf("wire: %s must be %d bytes, got %d: %w", typ, SizeSynOrSynAck, len(b), cerrdefs.ErrInvalidArgument)
		}
		ts := decodeTimestamp(binary.BigEndian.Uint64(b[8:16]))
		return Syn{ack: typ == TypeSYNACK, Timestamp: ts}, nil

	case TypeACK:
		if len(b) != SizeAck {
			return nil, fmt.Errorf("wire: ACK must be %d bytes, got %d: %w", SizeAck, len(b), cerrdefs.ErrInvalidArgument)
		}
		return Ack{}, nil

	case TypeKeepalive, TypeKeepaliveResponse:
		if len(b) != SizeKeepalive {
			return nil, fmt.Errorf("wire: %s must be %d bytes, got %d: %w", typ, SizeKeepalive, len(b), cerrdefs.ErrInvalidArgument)
		}
		nonce := binary.BigEndian.Uint32(b[4:8])
		return Keepalive{response: typ == TypeKeepaliveResponse, Nonce: nonce}, nil

	case TypeQuota:
		if len(b) != SizeQuota {
			return nil, fmt.Errorf("wire: QUOTA must be %d bytes, got %d: %w", SizeQuota, len(b), cerrdefs.ErrInvalidArgument)
		}
		return Quota{BytesPerSecond: binary.BigEndian.Uint32(b[4:8])}, nil

	case TypeDisconnect:
		if len(b) != SizeDisconnect {
			return nil, fmt.Errorf("wire: DISCONNECT must be %d bytes, got %d: %w", SizeDisconnect, len(b), cerrdefs.ErrInvalidArgument)
		}
		purposeSize := binary.BigEndian.Uint32(b[8:12])
		purpose := binary.BigEndian.Uint32(b[12:16])
		if purposeSize != PurposeSignedSize {
			return nil, fmt.Errorf("wire: DISCONNECT purpose.size %d != %d: %w", purposeSize, PurposeSignedSize, cerrdefs.ErrInvalidArgument)
		}
		if purpose != PurposeTransportDisconnect {
			return nil, fmt.Errorf("wire: DISCONNECT purpose %d != %d: %w", purpose, PurposeTransportDisconnect, cerrdefs.ErrInvalidArgument)
		}
		var d Disconnect
		d.Timestamp = decodeTimestamp(binary.BigEndian.Uint64(b[16:24]))
		copy(d.PublicKey[:], b[24:56])
		copy(d.Signature[:], b[56:120])
		return d, nil

	default:
		return nil, fmt.Errorf("wire: unknown message type 0x%04x: %w", uint16(typ), cerrdefs.ErrInvalidArgument)
	}
}

func appendHeader(dst []byte, size uint16, typ Type) []byte {
	dst = appendUint16(dst, size)
	dst = appendUint16(dst, uint16(typ))
	return dst
}

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// encodeTimestamp renders t as microseconds since the Unix epoch (§6.5).
func encodeTimestamp(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}

func decodeTimestamp(v uint64) time.Time {
	return time.UnixMicro(int64(v)).UTC()
}
