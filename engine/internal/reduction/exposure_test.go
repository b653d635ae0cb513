package reduction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/models"
)

func flatExposure(value, unc float64, mask int, rows, cols int) models.Exposure {
	e := models.Exposure{
		Intensity:   make([][]float64, rows),
		Uncertainty: make([][]float64, rows),
		Mask:        make([][]int, rows),
	}
	for r := 0; r < rows; r++ {
		e.Intensity[r] = make([]float64, cols)
		e.Uncertainty[r] = make([]float64, cols)
		e.Mask[r] = make([]int, cols)
		for c := 0; c < cols; c++ {
			e.Intensity[r][c] = value
			e.Uncertainty[r][c] = unc
			e.Mask[r][c] = mask
		}
	}
	return e
}

func TestAverageExposuresMaskIsAnd(t *testing.T) {
	a := flatExposure(10, 1, 1, 2, 2)
	b := flatExposure(20, 1, 0, 2, 2)
	out, err := AverageExposures([]models.Exposure{a, b}, AverageLinear)
	require.NoError(t, err)
	for r := range out.Mask {
		for c := range out.Mask[r] {
			assert.Equal(t, 0, out.Mask[r][c])
		}
	}
	assert.InDelta(t, 15, out.Intensity[0][0], 1e-9)
}

func TestAverageExposuresShapeMismatch(t *testing.T) {
	a := flatExposure(1, 1, 1, 2, 2)
	b := flatExposure(1, 1, 1, 3, 3)
	_, err := AverageExposures([]models.Exposure{a, b}, AverageLinear)
	require.Error(t, err)
}

// TestSubtractExposuresScenarioS5 mirrors the documented constant-mode
// subtraction scenario: intensity [[10,10],[10,10]] ± [[1,1],[1,1]],
// factor = (3.0, 0.5), expected output 7 ± 1.118.
func TestSubtractExposuresScenarioS5(t *testing.T) {
	sample := flatExposure(10, 1, 1, 2, 2)
	background := flatExposure(1, 0, 1, 2, 2)
	out, err := SubtractExposures(sample, background, 3.0, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 7, out.Intensity[0][0], 1e-9)
	assert.InDelta(t, 1.118, out.Uncertainty[0][0], 1e-3)
	assert.Equal(t, models.CategorySubtracted, out.Header.Category)
}
