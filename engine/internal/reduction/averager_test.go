package reduction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixAveragerWeighted(t *testing.T) {
	a := NewMatrixAverager(AverageWeighted)
	a.Add(10, 1)
	a.Add(20, 2)
	value, unc := a.Result()
	assert.InDelta(t, 12.0, value, 1e-9)
	assert.Greater(t, unc, 0.0)
	assert.Equal(t, 2, a.N())
}

func TestMatrixAveragerEmpty(t *testing.T) {
	a := NewMatrixAverager(AverageLinear)
	value, unc := a.Result()
	assert.Equal(t, 0.0, value)
	assert.Equal(t, 0.0, unc)
}

func TestMatrixAveragerStandardErrorOfMean(t *testing.T) {
	a := NewMatrixAverager(AverageStandardErrorOfMean)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		a.Add(v, 0.1)
	}
	value, unc := a.Result()
	assert.InDelta(t, 3.0, value, 1e-9)
	assert.Greater(t, unc, 0.0)
}

func TestMatrixAveragerConservativePicksLarger(t *testing.T) {
	a := NewMatrixAverager(AverageConservative)
	a.Add(1, 100)
	a.Add(100, 100)
	a.Add(1, 100)
	_, unc := a.Result()
	require.Greater(t, unc, 0.0)
}

func TestSanitizeUncertaintiesReplacesNonPositive(t *testing.T) {
	out := SanitizeUncertainties([]float64{2, 0, -1, math.NaN(), 1})
	assert.Equal(t, []float64{2, 1, 1, 1, 1}, out)
}

func TestSanitizeUncertaintiesAllInvalidFallsBackToOne(t *testing.T) {
	out := SanitizeUncertainties([]float64{0, -1, math.NaN()})
	for _, v := range out {
		assert.Equal(t, 1.0, v)
	}
}

func TestQuartilesScenarioS4(t *testing.T) {
	scores := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 100}
	q1, q3 := quartiles(scores)
	assert.Equal(t, 1.0, q1)
	assert.Equal(t, 1.0, q3)
}
