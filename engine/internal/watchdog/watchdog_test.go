package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/errorkit"
)

func TestCheckFailsAfterTimeout(t *testing.T) {
	w := New(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	err := w.Check()
	require.Error(t, err)
	ek, ok := errorkit.As(err)
	require.True(t, ok)
	assert.Equal(t, errorkit.WatchdogTimeout, ek.Kind)
}

func TestPatResetsDeadline(t *testing.T) {
	w := New(30 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	w.Pat()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, w.Check())
}

func TestDisableSuppressesCheck(t *testing.T) {
	w := New(5 * time.Millisecond)
	w.Disable()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, w.Check())
	w.Enable()
	assert.Error(t, w.Check())
}

func TestElapsed(t *testing.T) {
	w := New(time.Second)
	time.Sleep(15 * time.Millisecond)
	assert.GreaterOrEqual(t, w.Elapsed(), 15*time.Millisecond)
}
