package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/devicefront"
	"saxsctl/engine/models"
)

// fakeVacuumGauge accepts one connection and answers every 6-byte query
// frame with a fixed pressure reply, mimicking a TPG201 well enough to
// exercise the whole Instrument wiring end to end.
func fakeVacuumGauge(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		body := []byte("001M500021")
		var sum int
		for _, b := range body {
			sum += int(b)
		}
		reply := append(append([]byte{}, body...), byte(sum%64+64), '\r')
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if err != nil || n == 0 {
				return
			}
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}()
}

func TestInstrumentVacuumGaugeEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fakeVacuumGauge(t, ln)

	spec := models.DeviceSpec{
		Name:                  "gauge1",
		Family:                "vacuumgauge",
		AllVariables:          []string{"pressure"},
		MinimumQueryVariables: []string{"pressure"},
		PollInterval:          20 * time.Millisecond,
		QueryTimeout:          time.Second,
		WatchdogTimeout:       5 * time.Second,
		MaxBusyLevel:          1,
	}

	in := New(Defaults(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, in.AddDevice(ctx, spec, ln.Addr().String(), devicefront.Listener{}))

	front, ok := in.Front("gauge1")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		v, ok := front.Value("pressure")
		return ok && v.Float > 0
	}, 3*time.Second, 10*time.Millisecond)

	v, _ := front.Value("pressure")
	assert.InDelta(t, 50.0, v.Float, 1e-9)

	assert.Eventually(t, front.Ready, time.Second, 10*time.Millisecond)

	snap := in.Telemetry()
	require.Contains(t, snap.Devices, "gauge1")
	assert.True(t, snap.Devices["gauge1"].Ready)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	assert.NoError(t, in.Shutdown(shutdownCtx))
}

func TestAddDeviceRejectsUnknownFamily(t *testing.T) {
	in := New(Defaults(), nil)
	spec := models.DeviceSpec{
		Name:         "mystery",
		Family:       "doesnotexist",
		AllVariables: []string{"x"},
		QueryTimeout: time.Second,
		MaxBusyLevel: 1,
	}
	err := in.AddDevice(context.Background(), spec, "127.0.0.1:0", devicefront.Listener{})
	assert.Error(t, err)
}

func TestAddDeviceRejectsDuplicateName(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fakeVacuumGauge(t, ln)
	fakeVacuumGauge(t, ln)

	spec := models.DeviceSpec{
		Name:                  "gauge1",
		Family:                "vacuumgauge",
		AllVariables:          []string{"pressure"},
		MinimumQueryVariables: []string{"pressure"},
		PollInterval:          50 * time.Millisecond,
		QueryTimeout:          time.Second,
		WatchdogTimeout:       5 * time.Second,
		MaxBusyLevel:          1,
	}
	in := New(Defaults(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, in.AddDevice(ctx, spec, ln.Addr().String(), devicefront.Listener{}))
	err = in.AddDevice(ctx, spec, ln.Addr().String(), devicefront.Listener{})
	assert.Error(t, err)
}
