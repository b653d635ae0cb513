package motor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawPhysPositionRoundTrip(t *testing.T) {
	params := AxisParams{MicrostepResolution: 6, Known: true}
	constants := Constants{ClockFrequency: 16e6, FullStepSize: 1.8, TopRMSCurrent: 2.8}

	phys, err := RawToPhysPosition(51200, params, constants)
	require.NoError(t, err)
	assert.InDelta(t, 1440, phys, 1e-9)

	raw, err := PhysToRawPosition(phys, params, constants)
	require.NoError(t, err)
	assert.Equal(t, int64(51200), raw)
}

func TestPositionConversionRequiresKnownParams(t *testing.T) {
	_, err := RawToPhysPosition(100, AxisParams{}, Constants{FullStepSize: 1.8})
	assert.Error(t, err)

	_, err = PhysToRawPosition(10, AxisParams{}, Constants{FullStepSize: 1.8})
	assert.Error(t, err)
}

func TestPhysToRawPositionRejectsZeroFullStep(t *testing.T) {
	params := AxisParams{MicrostepResolution: 4, Known: true}
	_, err := PhysToRawPosition(10, params, Constants{FullStepSize: 0})
	assert.Error(t, err)
}

func TestRawToPhysSpeed(t *testing.T) {
	params := AxisParams{MicrostepResolution: 6, PulseDivisor: 2, Known: true}
	constants := Constants{ClockFrequency: 16e6, FullStepSize: 1.8}
	speed, err := RawToPhysSpeed(1000, params, constants)
	require.NoError(t, err)
	assert.Greater(t, speed, 0.0)
}

func TestRawToPhysCurrent(t *testing.T) {
	c := Constants{TopRMSCurrent: 2.8}
	assert.InDelta(t, 2.8, RawToPhysCurrent(255, c), 1e-9)
	assert.InDelta(t, 0, RawToPhysCurrent(0, c), 1e-9)
}
