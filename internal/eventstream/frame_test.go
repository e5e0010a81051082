package eventstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame() Frame {
	return Frame{
		Headers: map[string]HeaderValue{
			":message-type": StringHeader("event"),
			":event-type":   StringHeader("assistantResponseEvent"),
		},
		Payload: []byte(`{"content":"hello"}`),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := sampleFrame()
	wire := Encode(f)

	got, consumed, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, f.Payload, got.Payload)
	assert.Equal(t, "event", got.MessageType())
	assert.Equal(t, "assistantResponseEvent", got.EventType())
}

func TestDecodeTruncatedFrame(t *testing.T) {
	wire := Encode(sampleFrame())

	_, _, err := Decode(wire[:len(wire)-2])
	assert.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestDecodeBadPreludeCRC(t *testing.T) {
	wire := Encode(sampleFrame())
	wire[0] ^= 0xFF // corrupt total_len, which the prelude CRC covers

	_, _, err := Decode(wire)
	assert.ErrorIs(t, err, ErrBadPreludeCRC)
}

func TestDecodeBadMessageCRCOnPayloadMutation(t *testing.T) {
	wire := Encode(sampleFrame())

	// Flip a byte inside the payload region; prelude CRC still checks out,
	// message CRC must not.
	payloadStart := preludeLen + preludeCRCLen + len(encodeHeaders(sampleFrame().Headers))
	wire[payloadStart] ^= 0xFF

	_, _, err := Decode(wire)
	assert.ErrorIs(t, err, ErrBadMessageCRC)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestAllHeaderValueTypesRoundTrip(t *testing.T) {
	f := Frame{
		Headers: map[string]HeaderValue{
			"a-true":  {Type: HeaderBoolTrue},
			"b-false": {Type: HeaderBoolFalse},
			"c-i8":    {Type: HeaderInt8, Int: -12},
			"d-i16":   {Type: HeaderInt16, Int: -1000},
			"e-i32":   {Type: HeaderInt32, Int: -100000},
			"f-i64":   {Type: HeaderInt64, Int: 1 << 40},
			"g-bytes": {Type: HeaderBytes, Bytes: []byte{1, 2, 3}},
			"h-str":   StringHeader("hi"),
			"i-ts":    {Type: HeaderTimestamp, Timestamp: 1700000000000},
			"j-uuid":  {Type: HeaderUUID, UUID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		},
		Payload: []byte("payload"),
	}

	wire := Encode(f)
	got, _, err := Decode(wire)
	require.NoError(t, err)
	require.Len(t, got.Headers, len(f.Headers))
	for name, want := range f.Headers {
		gotVal, ok := got.Headers[name]
		require.True(t, ok, "missing header %s", name)
		assert.Equal(t, want, gotVal)
	}
}

func TestDecodeUnknownHeaderTypeFromRawBytes(t *testing.T) {
	// Directly construct a minimal frame with one header whose type byte is
	// invalid, bypassing Encode (which never produces invalid types).
	headerBytes := []byte{}
	name := ":x"
	headerBytes = append(headerBytes, byte(len(name)))
	headerBytes = append(headerBytes, []byte(name)...)
	headerBytes = append(headerBytes, 42) // invalid type

	totalLen := preludeLen + preludeCRCLen + len(headerBytes) + 0 + 4
	buf := make([]byte, totalLen)
	putUint32(buf[0:4], uint32(totalLen))
	putUint32(buf[4:8], uint32(len(headerBytes)))
	putUint32(buf[8:12], checksum(buf[0:8]))
	copy(buf[12:12+len(headerBytes)], headerBytes)
	msgCRC := checksum(buf[0 : 12+len(headerBytes)])
	putUint32(buf[12+len(headerBytes):], msgCRC)

	_, _, err := Decode(buf)
	var target error = ErrMalformedHeader
	if !errors.Is(err, target) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}
