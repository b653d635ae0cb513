package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoRegisterServer answers ReadRegister(address=50) with value 7700
// on a loopback listener, returning its dial func and a closer.
func startEchoRegisterServer(t *testing.T) (RegisterDialer, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					req := make([]byte, 3)
					if _, err := readFull(c, req); err != nil {
						return
					}
					if req[0] == 0x03 {
						_, _ = c.Write([]byte{0x1e, 0x14}) // 7700
					}
				}
			}(conn)
		}
	}()
	dial := func() (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	return dial, func() { ln.Close() }
}

func TestRegisterTransportReadRegister(t *testing.T) {
	dial, closeFn := startEchoRegisterServer(t)
	defer closeFn()

	rt := NewRegisterTransport(dial, 3, time.Second)
	defer rt.Close()

	v, err := rt.ReadRegister(50)
	require.NoError(t, err)
	assert.Equal(t, uint16(7700), v)
}

func TestRegisterTransportRetriesOnClosedConn(t *testing.T) {
	var calls int
	dial := func() (net.Conn, error) {
		calls++
		if calls == 1 {
			c1, c2 := net.Pipe()
			c2.Close() // immediately dead peer
			return c1, nil
		}
		return nil, assertErr("dial refused on second attempt")
	}
	rt := NewRegisterTransport(dial, 1, 20*time.Millisecond)
	_, err := rt.ReadRegister(1)
	require.Error(t, err)
	assert.GreaterOrEqual(t, calls, 2)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
