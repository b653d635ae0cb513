// Package motor implements MotorCoordinator: the domain layer sitting above
// a raw TMCM motorcontroller ProtocolAdapter that adds unit conversion,
// soft-limit enforcement, move arbitration, move-termination detection and
// position-file persistence (spec.md §4.6).
package motor

import (
	"math"

	"saxsctl/engine/internal/errorkit"
)

// Constants are the two controller-wide values spec.md §4.6 combines with
// the three per-axis parameters to perform unit conversion.
type Constants struct {
	ClockFrequency float64 // Hz
	FullStepSize   float64 // physical units per full step
	TopRMSCurrent  float64 // physical units at raw current 255
}

// AxisParams holds the three device-reported parameters unit conversion
// requires. The zero value (Known false) means "not yet known"; callers
// must check Known before converting.
type AxisParams struct {
	MicrostepResolution int
	PulseDivisor        int
	RampDivisor         int
	Known               bool
}

// RawToPhysPosition implements spec.md §4.6:
// pos_phys = pos_raw / 2^microstepresolution × full_step_size.
func RawToPhysPosition(rawPos int64, params AxisParams, c Constants) (float64, error) {
	if !params.Known {
		return 0, errorkit.New(errorkit.ConversionUnavailable, "position conversion requires microstepresolution")
	}
	divisor := math.Pow(2, float64(params.MicrostepResolution))
	return float64(rawPos) / divisor * c.FullStepSize, nil
}

// PhysToRawPosition is RawToPhysPosition's inverse.
func PhysToRawPosition(physPos float64, params AxisParams, c Constants) (int64, error) {
	if !params.Known {
		return 0, errorkit.New(errorkit.ConversionUnavailable, "position conversion requires microstepresolution")
	}
	if c.FullStepSize == 0 {
		return 0, errorkit.New(errorkit.ConversionUnavailable, "position conversion requires a nonzero full_step_size")
	}
	multiplier := math.Pow(2, float64(params.MicrostepResolution))
	return int64(math.Round(physPos / c.FullStepSize * multiplier)), nil
}

// RawToPhysSpeed implements spec.md §4.6:
// speed_phys = speed_raw / 2^(pulsedivisor + microstepresolution + 16) × clock_frequency × full_step_size.
func RawToPhysSpeed(rawSpeed int64, params AxisParams, c Constants) (float64, error) {
	if !params.Known {
		return 0, errorkit.New(errorkit.ConversionUnavailable, "speed conversion requires pulsedivisor and microstepresolution")
	}
	exponent := float64(params.PulseDivisor + params.MicrostepResolution + 16)
	return float64(rawSpeed) / math.Pow(2, exponent) * c.ClockFrequency * c.FullStepSize, nil
}

// RawToPhysAccel implements spec.md §4.6:
// accel_phys = accel_raw × full_step_size × clock_frequency² / 2^(pulsedivisor + rampdivisor + microstepresolution + 29).
func RawToPhysAccel(rawAccel int64, params AxisParams, c Constants) (float64, error) {
	if !params.Known {
		return 0, errorkit.New(errorkit.ConversionUnavailable, "acceleration conversion requires pulsedivisor, rampdivisor and microstepresolution")
	}
	exponent := float64(params.PulseDivisor + params.RampDivisor + params.MicrostepResolution + 29)
	return float64(rawAccel) * c.FullStepSize * c.ClockFrequency * c.ClockFrequency / math.Pow(2, exponent), nil
}

// RawToPhysCurrent implements spec.md §4.6:
// current_phys = current_raw × top_RMS_current / 255.
func RawToPhysCurrent(rawCurrent int, c Constants) float64 {
	return float64(rawCurrent) * c.TopRMSCurrent / 255
}
