package reduction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/models"
)

func sampleCurve(q, intensity, intensityErr []float64) models.Curve {
	n := len(q)
	zeros := make([]float64, n)
	c, _ := FromVectors(q, intensity, intensityErr, zeros, zeros, zeros)
	return c
}

func TestQCompatible(t *testing.T) {
	a := sampleCurve([]float64{0.1, 0.2, 0.3}, []float64{1, 2, 3}, []float64{0.1, 0.1, 0.1})
	b := sampleCurve([]float64{0.1001, 0.2001, 0.3001}, []float64{1, 2, 3}, []float64{0.1, 0.1, 0.1})
	ok, diff := QCompatible(a, b)
	assert.True(t, ok)
	assert.Less(t, diff, 0.005)

	c := sampleCurve([]float64{0.2, 0.4, 0.6}, []float64{1, 2, 3}, []float64{0.1, 0.1, 0.1})
	ok, _ = QCompatible(a, c)
	assert.False(t, ok)
}

func TestAsArrayFromArrayRoundTrip(t *testing.T) {
	orig := sampleCurve([]float64{0.1, 0.2}, []float64{10, 20}, []float64{1, 2})
	orig.BinArea = []float64{5, 6}
	orig.PixelRadius = []float64{7, 8}
	rows := AsArray(orig)
	back := FromArray(rows)
	assert.Equal(t, orig, back)
}

func TestAverageCurvesRejectsIncompatibleQ(t *testing.T) {
	a := sampleCurve([]float64{0.1, 0.2}, []float64{10, 20}, []float64{1, 1})
	b := sampleCurve([]float64{1.0, 2.0}, []float64{10, 20}, []float64{1, 1})
	_, err := AverageCurves([]models.Curve{a, b}, AverageWeighted)
	require.Error(t, err)
	var incompat *ErrIncompatibleQ
	assert.ErrorAs(t, err, &incompat)
}

func TestAverageCurvesWeighted(t *testing.T) {
	a := sampleCurve([]float64{0.1, 0.2}, []float64{10, 10}, []float64{1, 1})
	b := sampleCurve([]float64{0.1, 0.2}, []float64{20, 20}, []float64{1, 1})
	out, err := AverageCurves([]models.Curve{a, b}, AverageWeighted)
	require.NoError(t, err)
	assert.InDelta(t, 15, out.Intensity[0], 1e-9)
	assert.InDelta(t, 15, out.Intensity[1], 1e-9)
}

func TestSubtractCurves(t *testing.T) {
	a := sampleCurve([]float64{0.1, 0.2}, []float64{10, 10}, []float64{1, 1})
	b := sampleCurve([]float64{0.1, 0.2}, []float64{2, 2}, []float64{0.5, 0.5})
	out, err := SubtractCurves(a, b, 3.0, 0.0)
	require.NoError(t, err)
	assert.InDelta(t, 4, out.Intensity[0], 1e-9)
}

func TestTrimToRange(t *testing.T) {
	c := sampleCurve([]float64{0.1, 0.2, 0.3, 0.4}, []float64{1, 2, 3, 4}, []float64{1, 1, 1, 1})
	out := TrimToRange(c, 0.15, 0.35)
	assert.Equal(t, []float64{0.2, 0.3}, out.Q)
}

func TestConcat(t *testing.T) {
	a := sampleCurve([]float64{0.1}, []float64{1}, []float64{1})
	b := sampleCurve([]float64{0.2}, []float64{2}, []float64{1})
	out := Concat(a, b)
	assert.Equal(t, []float64{0.1, 0.2}, out.Q)
	assert.Equal(t, []float64{1, 2}, out.Intensity)
}

func TestInterpolateLinear(t *testing.T) {
	c := sampleCurve([]float64{0, 1, 2}, []float64{0, 10, 20}, []float64{1, 1, 1})
	out := InterpolateLinear(c, []float64{0.5, 1.5})
	assert.InDelta(t, 5, out[0], 1e-9)
	assert.InDelta(t, 15, out[1], 1e-9)
}

func TestLinspaceLogspace(t *testing.T) {
	lin := Linspace(0, 10, 5)
	assert.Equal(t, []float64{0, 2.5, 5, 7.5, 10}, lin)

	log := Logspace(1, 100, 3)
	require.Len(t, log, 3)
	assert.InDelta(t, 1, log[0], 1e-9)
	assert.InDelta(t, 10, log[1], 1e-6)
	assert.InDelta(t, 100, log[2], 1e-6)
}
