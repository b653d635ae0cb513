package devicefront

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/bus"
	"saxsctl/engine/models"
)

func newTestFront(t *testing.T, listener Listener) (*DeviceFront, *bus.Bus, *bus.Bus) {
	t.Helper()
	inbound := bus.New("dev:supervisor", 8)
	front := bus.New("dev:front", 8)
	f := New("dev", inbound, front, listener)
	return f, inbound, front
}

func TestUpdateFillsShadowTableAndFiresListener(t *testing.T) {
	var got models.Value
	var name string
	f, _, front := newTestFront(t, Listener{OnUpdate: func(n string, v models.Value, forced bool) {
		name, got = n, v
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, front.Send(ctx, front.Stamp(models.Message{Kind: models.KindUpdate, Variable: "t1", Value: models.FloatValue(25.0)})))

	assert.Eventually(t, func() bool {
		v, ok := f.Value("t1")
		return ok && v.Float == 25.0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return name == "t1" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 25.0, got.Float)
}

func TestReadyFiresOnce(t *testing.T) {
	count := 0
	f, _, front := newTestFront(t, Listener{OnReady: func() { count++ }})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, front.Send(ctx, front.Stamp(models.Message{Kind: models.KindReady, Ready: true})))
	assert.Eventually(t, func() bool { return f.Ready() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return count == 1 }, time.Second, 5*time.Millisecond)
}

func TestExitedGatesFurtherRequests(t *testing.T) {
	f, inbound, front := newTestFront(t, Listener{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, front.Send(ctx, front.Stamp(models.Message{Kind: models.KindExited, NormalTermination: true})))

	assert.Eventually(t, func() bool {
		exited, normal := f.Exited()
		return exited && normal
	}, time.Second, 5*time.Millisecond)

	err := f.Set(ctx, "t1", models.FloatValue(1))
	assert.Error(t, err)
	assert.Equal(t, 0, inbound.Len())
}

func TestDisconnectSendsExitAndWaitsForExited(t *testing.T) {
	f, inbound, front := newTestFront(t, Listener{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	go func() {
		msg, ok := inbound.Receive(ctx, time.Second)
		require.True(t, ok)
		require.Equal(t, models.KindExit, msg.Kind)
		_ = front.Send(ctx, front.Stamp(models.Message{Kind: models.KindExited, NormalTermination: true}))
	}()

	require.NoError(t, f.Disconnect(ctx))
	exited, normal := f.Exited()
	assert.True(t, exited)
	assert.True(t, normal)
}

func TestErrorUpdatesLastError(t *testing.T) {
	var kind, message string
	f, _, front := newTestFront(t, Listener{OnError: func(k, m, v string) { kind, message = k, m }})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, front.Send(ctx, front.Stamp(models.Message{Kind: models.KindError, ErrKind: "DeviceError", ErrMessage: "boom"})))
	assert.Eventually(t, func() bool { return f.LastError() == "boom" }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return kind == "DeviceError" && message == "boom" }, time.Second, 5*time.Millisecond)
}
