package motor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/internal/watchdog"
	"saxsctl/engine/models"
)

// innerAdapter is a minimal stand-in for the raw motorcontroller.Adapter:
// Execute just records the call, since CoordinatorAdapter's own arbitration
// is what this test exercises.
type innerAdapter struct {
	executed []string
}

func (a *innerAdapter) Frame(buf []byte) ([][]byte, []byte)                           { return nil, buf }
func (a *innerAdapter) Query(host protocol.Host, name string) bool                    { return true }
func (a *innerAdapter) Set(host protocol.Host, name string, value models.Value) error { return nil }
func (a *innerAdapter) Execute(host protocol.Host, name string, args []models.Value) error {
	a.executed = append(a.executed, name)
	return nil
}
func (a *innerAdapter) InitializeAfterConnect(host protocol.Host) error { return nil }
func (a *innerAdapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
}

// fakeHost is a protocol.Host plus the busySemaphore capability
// CoordinatorAdapter requires, recording every Update call.
type fakeHost struct {
	wd      *watchdog.Watchdog
	busy    bool
	updates map[string]models.Value
	forced  map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{wd: watchdog.New(time.Second), updates: make(map[string]models.Value), forced: make(map[string]bool)}
}

func (h *fakeHost) Update(name string, value models.Value, force bool) {
	h.updates[name] = value
	if force {
		h.forced[name] = true
	}
}
func (h *fakeHost) Send(req transport.SendRequest)                                       {}
func (h *fakeHost) Register() *transport.RegisterTransport                               { return nil }
func (h *fakeHost) Watchdog() *watchdog.Watchdog                                         { return h.wd }
func (h *fakeHost) ReportError(kind errorkit.Kind, variable, format string, args ...any) {}
func (h *fakeHost) Log(line string)                                                      {}

func (h *fakeHost) AcquireBusy() bool {
	if h.busy {
		return false
	}
	h.busy = true
	return true
}
func (h *fakeHost) ReleaseBusy() { h.busy = false }
func (h *fakeHost) BusyLevel() int {
	if h.busy {
		return 1
	}
	return 0
}

func knownAxis(c *CoordinatorAdapter, axis int, actualRaw int64, left, right float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.axis(axis)
	a.params = AxisParams{MicrostepResolution: 6, Known: true}
	a.actualPositionRaw = actualRaw
	a.actualPositionKnown = true
	a.softLeft, a.softRight, a.softLimitsKnown = left, right, true
	c.positionsLoaded = true
}

func TestMoveRejectsOutsideSoftLimits(t *testing.T) {
	inner := &innerAdapter{}
	c := NewCoordinatorAdapter(inner, Constants{ClockFrequency: 16e6, FullStepSize: 1.8, TopRMSCurrent: 2.8}, filepath.Join(t.TempDir(), "positions"))
	knownAxis(c, 0, 0, -10, 10)

	host := newFakeHost()
	err := c.Execute(host, "moveto", []models.Value{models.IntValue(0), models.FloatValue(100)})
	assert.Error(t, err)
	assert.Empty(t, inner.executed)
}

func TestMoveDispatchesWithinSoftLimits(t *testing.T) {
	inner := &innerAdapter{}
	c := NewCoordinatorAdapter(inner, Constants{ClockFrequency: 16e6, FullStepSize: 1.8, TopRMSCurrent: 2.8}, filepath.Join(t.TempDir(), "positions"))
	knownAxis(c, 0, 0, -100, 100)

	host := newFakeHost()
	err := c.Execute(host, "moveto", []models.Value{models.IntValue(0), models.FloatValue(18)})
	require.NoError(t, err)
	assert.Contains(t, inner.executed, "moveto")
	assert.Equal(t, 1, host.BusyLevel())
}

// TestMoveToCurrentPositionCompletesImmediately: a null move never reaches
// the wire but still runs the full stopped-housekeeping: forced idle status
// updates, a released semaphore and a (re)written position file.
func TestMoveToCurrentPositionCompletesImmediately(t *testing.T) {
	inner := &innerAdapter{}
	posPath := filepath.Join(t.TempDir(), "positions")
	c := NewCoordinatorAdapter(inner, Constants{ClockFrequency: 16e6, FullStepSize: 1.8, TopRMSCurrent: 2.8}, posPath)
	knownAxis(c, 0, 0, -100, 100)

	host := newFakeHost()
	err := c.Execute(host, "moveto", []models.Value{models.IntValue(0), models.FloatValue(0)})
	require.NoError(t, err)
	assert.Empty(t, inner.executed)

	assert.Equal(t, models.StringValue("idle"), host.updates["_status#0"])
	assert.Equal(t, models.StringValue("idle"), host.updates["_status"])
	assert.True(t, host.forced["_status#0"])
	assert.True(t, host.forced["_status"])
	assert.Equal(t, 0, host.BusyLevel())

	positions, err := LoadPositionFile(posPath)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, AxisPosition{Axis: 0, Position: 0, SoftLeft: -100, SoftRight: 100}, positions[0])
}
