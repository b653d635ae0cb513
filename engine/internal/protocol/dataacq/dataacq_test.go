package dataacq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/protocol/protocoltest"
)

// scanPoint builds a valid 22-byte scan frame carrying the given raw 12-bit
// analog samples, inverting unpackNumber's bit layout.
func scanPoint(samples [8]int, rateRaw, counterRaw int) []byte {
	frame := make([]byte, scanFrameLen)
	for i, v := range samples {
		if v < 0 {
			v += 1 << 12
		}
		low := v & 0x1f         // 5 bits -> first byte, above the sync/digital bits
		high := (v >> 5) & 0x7f // 7 bits -> second byte
		frame[2*i] = byte(low << 3)
		frame[2*i+1] = byte((high << 1) ^ 128)
		if i == 0 {
			frame[0] &^= 1 // sync bit
		} else {
			frame[2*i] |= 1
		}
		frame[2*i+1] |= 1
	}
	frame[16] |= 1
	frame[17] |= 1
	frame[18] = byte((rateRaw&0x7f)<<1) | 1
	frame[19] = byte((rateRaw>>7)<<1) | 1
	frame[20] = byte((counterRaw&0x7f)<<1) | 1
	frame[21] = byte((counterRaw>>7)<<1) | 1
	return frame
}

func TestInitializationSequence(t *testing.T) {
	a := New()
	host := protocoltest.NewHost()
	require.NoError(t, a.InitializeAfterConnect(host))
	wire := host.SentWire()
	require.NotEmpty(t, wire)
	assert.Equal(t, "stop\r", wire[0])
	assert.Equal(t, "asc\r", wire[1])
	assert.Contains(t, wire, "slist 0 x0000\r")
	assert.Contains(t, wire, "slist 10 x000a\r")
	assert.Contains(t, wire, "srate 1500\r")
	assert.Equal(t, "bin\r", wire[len(wire)-1])
}

func TestStartRequiresBusySlot(t *testing.T) {
	a := New()
	host := protocoltest.NewHost()

	require.NoError(t, a.Execute(host, "start", nil))
	// the busy slot is now held; a second start must be refused.
	err := a.Execute(host, "start", nil)
	require.Error(t, err)

	a.ProcessIncoming(host, []byte("start\r"), nil)
	assert.True(t, a.scanning.Load())

	a.ProcessIncoming(host, []byte("stop\r"), nil)
	assert.False(t, a.scanning.Load())
	assert.Equal(t, 0, host.BusyLevel())

	// slot released: scanning may start again.
	require.NoError(t, a.Execute(host, "start", nil))
}

func TestFramingSwitchesWithScanState(t *testing.T) {
	a := New()

	frames, residual := a.Frame([]byte("info 0 DATAQ\rinfo"))
	require.Len(t, frames, 1)
	assert.Equal(t, "info 0 DATAQ\r", string(frames[0]))
	assert.Equal(t, "info", string(residual))

	a.scanning.Store(true)
	point := scanPoint([8]int{1, 2, 3, 4, 5, 6, 7, 8}, 0, 0)
	frames, residual = a.Frame(append(point, point[:10]...))
	require.Len(t, frames, 1)
	assert.Len(t, residual, 10)
}

func TestScanFrameResyncSkipsMisalignedBytes(t *testing.T) {
	a := New()
	a.scanning.Store(true)
	point := scanPoint([8]int{0, 0, 0, 0, 0, 0, 0, 0}, 0, 0)
	noisy := append([]byte{0x55, 0x81}, point...) // two bytes with LSB set
	frames, _ := a.Frame(noisy)
	require.Len(t, frames, 1)
	assert.Equal(t, point, frames[0])
}

func TestDecodeScanPoint(t *testing.T) {
	a := New()
	a.scanning.Store(true)
	host := protocoltest.NewHost()

	point := scanPoint([8]int{100, -100, 0, 2047, -2048, 1, -1, 512}, 8192, 42)
	a.ProcessIncoming(host, point, nil)

	v, ok := host.Value("analog_values")
	require.True(t, ok)
	require.Len(t, v.Vector, 8)
	assert.InDelta(t, 100, v.Vector[0], 1e-9)
	assert.InDelta(t, -100, v.Vector[1], 1e-9)
	assert.InDelta(t, 2047, v.Vector[3], 1e-9)
	assert.InDelta(t, -2048, v.Vector[4], 1e-9)

	rate, _ := host.Value("rate")
	assert.InDelta(t, 5000, rate.Float, 1e-9) // 10000 * 8192/16384
	counter, _ := host.Value("counter")
	assert.EqualValues(t, 42, counter.Int)
}

func TestInfoAndSlistEchoes(t *testing.T) {
	a := New()
	host := protocoltest.NewHost()
	a.ProcessIncoming(host, []byte("info 1 1490\r"), nil)
	v, ok := host.Value("info_1")
	require.True(t, ok)
	assert.Equal(t, "1490", v.Str)

	a.ProcessIncoming(host, []byte("slist 3 x0003\r"), nil)
	s, _ := host.Value("slist_3")
	assert.Equal(t, "x0003", s.Str)

	a.ProcessIncoming(host, []byte("srate 1500\r"), nil)
	r, _ := host.Value("scan_rate_raw")
	assert.EqualValues(t, 1500, r.Int)
}
