package eventstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderYieldsFrameAcrossFeedBoundaries(t *testing.T) {
	wire := Encode(sampleFrame())
	d := NewDecoder()

	// Feed everything but the last 2 bytes (spec §8 scenario 6).
	d.Feed(wire[:len(wire)-2])
	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok, "frame must not be yielded before all bytes arrive")

	d.Feed(wire[len(wire)-2:])
	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleFrame().Payload, frame.Payload)
}

func TestDecoderYieldsMultipleFramesBackToBack(t *testing.T) {
	f1 := Frame{Headers: map[string]HeaderValue{":event-type": StringHeader("a")}, Payload: []byte("one")}
	f2 := Frame{Headers: map[string]HeaderValue{":event-type": StringHeader("b")}, Payload: []byte("two")}

	d := NewDecoder()
	d.Feed(append(Encode(f1), Encode(f2)...))

	got1, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(got1.Payload))

	got2, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(got2.Payload))

	_, ok, err = d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecoderPoisonsOnError(t *testing.T) {
	wire := Encode(sampleFrame())
	wire[0] ^= 0xFF // corrupt prelude CRC

	d := NewDecoder()
	d.Feed(wire)

	_, _, err1 := d.Next()
	require.Error(t, err1)

	_, _, err2 := d.Next()
	assert.Same(t, err1, err2, "decoder must return the identical error once poisoned")

	// Feeding more bytes after poisoning must not un-poison the decoder.
	d.Feed([]byte("more garbage"))
	_, _, err3 := d.Next()
	assert.Same(t, err1, err3)
}
