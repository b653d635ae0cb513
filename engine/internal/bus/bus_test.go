package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/models"
)

func TestSendReceiveOrder(t *testing.T) {
	b := New("test", 4)
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, models.Message{Kind: models.KindQuery, Variable: "a"}))
	require.NoError(t, b.Send(ctx, models.Message{Kind: models.KindQuery, Variable: "b"}))

	m1, ok := b.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "a", m1.Variable)

	m2, ok := b.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "b", m2.Variable)
}

func TestReceiveTimeout(t *testing.T) {
	b := New("test", 1)
	_, ok := b.Receive(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

// TestExitAlwaysLands reproduces the invariant that an exit Message is
// delivered even when the ordinary queue is completely full.
func TestExitAlwaysLands(t *testing.T) {
	b := New("test", 1)
	ctx := context.Background()
	require.NoError(t, b.Send(ctx, models.Message{Kind: models.KindQuery, Variable: "fills-queue"}))

	// queue is now full; TrySend of ordinary traffic must fail...
	assert.False(t, b.TrySend(models.Message{Kind: models.KindQuery, Variable: "dropped"}))
	// ...but Exit must still be accepted.
	require.NoError(t, b.Send(ctx, models.Message{Kind: models.KindExit}))

	// Exit is drained ahead of the backlog.
	m, ok := b.Receive(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, models.KindExit, m.Kind)
}

func TestStampMonotonicID(t *testing.T) {
	b := New("dev1", 4)
	m1 := b.Stamp(models.Message{Kind: models.KindQuery})
	m2 := b.Stamp(models.Message{Kind: models.KindQuery})
	assert.Equal(t, "dev1", m1.Sender)
	assert.Less(t, m1.Id, m2.Id)
}
