package wire

import (
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// TestSynWireBytes pins the exact byte layout given in §8 scenario 1:
// `00 10 01 75 00 00 00 00 <T:8>`.
func TestSynWireBytes(t *testing.T) {
	ts := time.UnixMicro(0x0102030405).UTC()
	got := NewSyn(ts).Encode(nil)

	want := []byte{0x00, 0x10, 0x01, 0x75, 0x00, 0x00, 0x00, 0x00}
	want = appendUint64(want, uint64(ts.UnixMicro()))

	assert.DeepEqual(t, got, want)
	assert.Equal(t, len(got), SizeSynOrSynAck)
}

func TestRoundTrip(t *testing.T) {
	ts := time.UnixMicro(1_700_000_000_123_456).UTC()
	var pub [32]byte
	var sig [64]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	for i := range sig {
		sig[i] = byte(255 - i)
	}

	cases := []Message{
		NewSyn(ts),
		NewSynAck(ts),
		Ack{},
		NewKeepalive(0xdeadbeef),
		NewKeepaliveResponse(0xdeadbeef),
		Quota{BytesPerSecond: 65536},
		Disconnect{Timestamp: ts, PublicKey: pub, Signature: sig},
	}

	for _, m := range cases {
		encoded := m.Encode(nil)
		decoded, err := Decode(encoded)
		assert.NilError(t, err)
		assert.Equal(t, decoded.Type(), m.Type())

		reencoded := decoded.Encode(nil)
		assert.DeepEqual(t, encoded, reencoded)
	}
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	frame := NewSyn(time.Now()).Encode(nil)
	truncated := frame[:len(frame)-1]
	_, err := Decode(truncated)
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
}

func TestDecodeRejectsBadDisconnectPurpose(t *testing.T) {
	var d Disconnect
	d.Timestamp = time.Now()
	encoded := d.Encode(nil)
	// Corrupt the purpose tag field (bytes 12..16).
	encoded[15] ^= 0xff
	_, err := Decode(encoded)
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	frame := []byte{0x00, 0x04, 0xff, 0xff}
	_, err := Decode(frame)
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
}

func TestDisconnectSignedPayload(t *testing.T) {
	ts := time.UnixMicro(42).UTC()
	d := Disconnect{Timestamp: ts}
	payload := d.SignedPayload()
	assert.Equal(t, len(payload), 12) // purpose(4) + timestamp(8)
}
