package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/bus"
	"saxsctl/engine/models"
)

// lineFramer splits after each sep byte, matching the sentinel-terminated line protocols
// used by Circulator/Detector/VacuumGauge families.
func lineFramer(sep byte) FramerFunc {
	return func(b []byte) ([][]byte, []byte) {
		var frames [][]byte
		start := 0
		for i, c := range b {
			if c == sep {
				frame := make([]byte, i-start+1)
				copy(frame, b[start:i+1])
				frames = append(frames, frame)
				start = i + 1
			}
		}
		residual := make([]byte, len(b)-start)
		copy(residual, b[start:])
		return frames, residual
	}
}

func TestStreamTransportSendAndFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	out := bus.New("dev1:transport", 8)
	tr := NewStreamTransport(clientConn, lineFramer('\r'), out, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.Enqueue(SendRequest{Bytes: []byte("W TS 1\r"), ExpectedReplies: 1, Timeout: time.Second})

	buf := make([]byte, 32)
	serverConn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := serverConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "W TS 1\r", string(buf[:n]))

	_, err = serverConn.Write([]byte("$\r"))
	require.NoError(t, err)

	m, ok := out.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, models.KindSendComplete, m.Kind)

	m, ok = out.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, models.KindIncoming, m.Kind)
	assert.Equal(t, "$\r", string(m.Raw))
}

func TestStreamTransportUnsolicitedFrameIsFatal(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	out := bus.New("dev1:transport", 8)
	tr := NewStreamTransport(clientConn, lineFramer('\r'), out, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	_, err := serverConn.Write([]byte("unexpected\r"))
	require.NoError(t, err)

	m, ok := out.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, models.KindCommunicationError, m.Kind)

	select {
	case <-tr.Exited():
	case <-time.After(time.Second):
		t.Fatal("transport did not exit after fatal communication error")
	}
}

func TestStreamTransportKill(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	out := bus.New("dev1:transport", 8)
	tr := NewStreamTransport(clientConn, lineFramer('\r'), out, 5*time.Millisecond)

	ctx := context.Background()
	go tr.Run(ctx)
	tr.Kill()

	select {
	case <-tr.Exited():
	case <-time.After(time.Second):
		t.Fatal("transport did not exit after Kill")
	}
}
