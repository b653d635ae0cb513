package motorcontroller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFramerSplitsConsecutiveFrames reproduces spec scenario S6: a stream
// containing two back-to-back status-OK frames splits cleanly with no
// residual.
func TestFramerSplitsConsecutiveFrames(t *testing.T) {
	one := []byte{0x01, 0x06, 0x64, 0x00, 0x00, 0x00, 0x00, 0x00, 0x6b}
	stream := append(append([]byte{}, one...), one...)

	frames, residual := Framer(stream)
	require.Len(t, frames, 2)
	assert.Empty(t, residual)
	for _, f := range frames {
		decoded, err := Decode(f)
		require.NoError(t, err)
		assert.EqualValues(t, statusOK, decoded.Field3)
	}
}

func TestFramerHoldsPartialFrame(t *testing.T) {
	partial := []byte{0x01, 0x06, 0x64}
	frames, residual := Framer(partial)
	assert.Empty(t, frames)
	assert.Equal(t, partial, residual)
}

// TestEncodeDecodeRoundTrip is the idempotence property from spec.md §8:
// encoding then decoding any valid-checksum frame yields the original
// (cmd, type, motor, value).
func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Addr: 1, Field2: cmdMVP, Field3: moveAbsolute, Motor: 2, Value: -12345}
	encoded := Encode(f)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	f := Encode(Frame{Addr: 1, Field2: cmdGAP, Field3: 1, Motor: 0, Value: 42})
	f[8] ^= 0xFF
	_, err := Decode(f)
	assert.Error(t, err)
}
