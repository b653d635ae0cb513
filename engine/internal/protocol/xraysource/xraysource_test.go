package xraysource

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/protocol/protocoltest"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

// registerDevice is a scripted register/coil bank served over a loopback
// socket, standing in for the generator's Modbus head end.
type registerDevice struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool
	writes    []uint16
}

func (d *registerDevice) setCoil(addr uint16, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coils[addr] = v
}

func (d *registerDevice) coilWrites() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.writes...)
}

func (d *registerDevice) serve(conn net.Conn) {
	defer conn.Close()
	for {
		fn := make([]byte, 1)
		if _, err := io.ReadFull(conn, fn); err != nil {
			return
		}
		switch fn[0] {
		case 0x03: // read register
			arg := make([]byte, 2)
			if _, err := io.ReadFull(conn, arg); err != nil {
				return
			}
			d.mu.Lock()
			v := d.registers[binary.BigEndian.Uint16(arg)]
			d.mu.Unlock()
			out := make([]byte, 2)
			binary.BigEndian.PutUint16(out, v)
			if _, err := conn.Write(out); err != nil {
				return
			}
		case 0x01: // read coils
			arg := make([]byte, 4)
			if _, err := io.ReadFull(conn, arg); err != nil {
				return
			}
			addr := binary.BigEndian.Uint16(arg[:2])
			count := binary.BigEndian.Uint16(arg[2:])
			out := make([]byte, count)
			d.mu.Lock()
			for i := uint16(0); i < count; i++ {
				if d.coils[addr+i] {
					out[i] = 1
				}
			}
			d.mu.Unlock()
			if _, err := conn.Write(out); err != nil {
				return
			}
		case 0x05: // write coil
			arg := make([]byte, 3)
			if _, err := io.ReadFull(conn, arg); err != nil {
				return
			}
			addr := binary.BigEndian.Uint16(arg[:2])
			d.mu.Lock()
			d.coils[addr] = arg[2] != 0
			d.writes = append(d.writes, addr)
			d.mu.Unlock()
			if _, err := conn.Write([]byte{1}); err != nil {
				return
			}
		default:
			return
		}
	}
}

func startDevice(t *testing.T) (*registerDevice, *transport.RegisterTransport) {
	t.Helper()
	dev := &registerDevice{registers: make(map[uint16]uint16), coils: make(map[uint16]bool)}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go dev.serve(conn)
		}
	}()
	rt := transport.NewRegisterTransport(func() (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	}, 3, time.Second)
	t.Cleanup(func() { rt.Close() })
	return dev, rt
}

func TestQueryHTScalesHundredthsOfKilovolts(t *testing.T) {
	dev, rt := startDevice(t)
	dev.registers[regHT] = 5003 // 50.03 kV

	a := New(time.Second)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.True(t, a.Query(host, "ht"))
	v, ok := host.Value("ht")
	require.True(t, ok)
	assert.InDelta(t, 50.03, v.Float, 1e-9)
}

func TestQueryTubeTime(t *testing.T) {
	dev, rt := startDevice(t)
	dev.registers[regTubeTimeMin] = 30
	dev.registers[regTubeTimeHr] = 100

	a := New(time.Second)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.True(t, a.Query(host, "tubetime"))
	v, ok := host.Value("tubetime")
	require.True(t, ok)
	assert.InDelta(t, 100.5, v.Float, 1e-9)
}

func TestStatusCompositingXraysOff(t *testing.T) {
	dev, rt := startDevice(t)
	dev.setCoil(statusBase+bitRemoteMode, true)
	// bitXraysOn left false

	a := New(time.Second)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.True(t, a.Query(host, "_status"))
	status, _ := host.Value("_status")
	assert.Equal(t, "X-rays off", status.Str)
	remote, _ := host.Value("remote_mode")
	assert.True(t, remote.Bool)
	xrays, _ := host.Value("xrays")
	assert.False(t, xrays.Bool)
}

func TestStatusWarmingUp(t *testing.T) {
	dev, rt := startDevice(t)
	dev.setCoil(statusBase+bitXraysOn, true)
	dev.setCoil(statusBase+bitWarmingUp, true)

	a := New(time.Second)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.True(t, a.Query(host, "_status"))
	status, _ := host.Value("_status")
	assert.Equal(t, "Warming up", status.Str)
}

// TestInterlockDebounce verifies the stable-true filter: a single true
// reading publishes nothing, a broken reading publishes false immediately,
// and only a reading held true past interlock_fixing_time publishes true.
func TestInterlockDebounce(t *testing.T) {
	dev, rt := startDevice(t)
	dev.setCoil(statusBase+bitXraysOn, true)
	dev.setCoil(statusBase+bitInterlock, true)

	a := New(50 * time.Millisecond)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.True(t, a.Query(host, "interlock"))
	_, published := host.Value("interlock")
	assert.False(t, published, "interlock must not publish on first true reading")
	low, _ := host.Value("interlock_lowlevel")
	assert.True(t, low.Bool)

	// oscillation: the line dips, the candidate resets.
	dev.setCoil(statusBase+bitInterlock, false)
	require.True(t, a.Query(host, "interlock"))
	v, ok := host.Value("interlock")
	require.True(t, ok)
	assert.False(t, v.Bool)

	// line returns and holds past the fixing time.
	dev.setCoil(statusBase+bitInterlock, true)
	require.True(t, a.Query(host, "interlock"))
	time.Sleep(60 * time.Millisecond)
	require.True(t, a.Query(host, "interlock"))
	v, _ = host.Value("interlock")
	assert.True(t, v.Bool)
}

func TestFullPowerPulsesTriggerCoil(t *testing.T) {
	dev, rt := startDevice(t)
	dev.setCoil(statusBase+bitXraysOn, true)

	a := New(time.Second)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.NoError(t, a.Execute(host, "full_power", nil))
	writes := dev.coilWrites()
	// standby cleared, then full-power pulsed true+false.
	assert.Equal(t, []uint16{coilStandby, coilFullPower, coilFullPower}, writes)
}

func TestShutterCommandSelectsCoilByDirection(t *testing.T) {
	dev, rt := startDevice(t)
	a := New(time.Second)
	host := protocoltest.NewHost()
	host.RegIO = rt

	require.NoError(t, a.Execute(host, "shutter", []models.Value{models.BoolValue(true)}))
	require.NoError(t, a.Execute(host, "shutter", []models.Value{models.BoolValue(false)}))
	writes := dev.coilWrites()
	assert.Equal(t, []uint16{coilShutterOpen, coilShutterOpen, coilShutterClose, coilShutterClose}, writes)
}
