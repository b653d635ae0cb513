package reduction

import (
	"fmt"
	"math"

	"saxsctl/engine/models"
)

// AverageExposures implements spec.md §4.7.2's per-pixel exposure
// averaging: Intensity/Uncertainty reduce through a MatrixAverager per
// pixel, the output mask is the logical AND of every input mask (spec.md
// §3 invariant 4: shape and NaN-hygiene are preserved), and the Header is
// reduced with AverageHeaders.
func AverageExposures(exposures []models.Exposure, method AverageMethod) (models.Exposure, error) {
	if len(exposures) == 0 {
		return models.Exposure{}, fmt.Errorf("reduction: AverageExposures requires at least one exposure")
	}
	rows, cols := exposures[0].Shape()
	for _, e := range exposures[1:] {
		r, c := e.Shape()
		if r != rows || c != cols {
			return models.Exposure{}, fmt.Errorf("reduction: exposure shape mismatch (%dx%d vs %dx%d)", rows, cols, r, c)
		}
	}

	out := models.Exposure{
		Intensity:   make([][]float64, rows),
		Uncertainty: make([][]float64, rows),
		Mask:        make([][]int, rows),
	}
	headers := make([]models.Header, len(exposures))
	for i, e := range exposures {
		headers[i] = e.Header
	}
	out.Header = AverageHeaders(headers, method)

	for r := 0; r < rows; r++ {
		out.Intensity[r] = make([]float64, cols)
		out.Uncertainty[r] = make([]float64, cols)
		out.Mask[r] = make([]int, cols)
		for c := 0; c < cols; c++ {
			sigmas := make([]float64, len(exposures))
			for i, e := range exposures {
				sigmas[i] = e.Uncertainty[r][c]
			}
			sigmas = SanitizeUncertainties(sigmas)

			avg := NewMatrixAverager(method)
			mask := 1
			for i, e := range exposures {
				avg.Add(e.Intensity[r][c], sigmas[i])
				if e.Mask[r][c] == 0 {
					mask = 0
				}
			}
			out.Intensity[r][c], out.Uncertainty[r][c] = avg.Result()
			out.Mask[r][c] = mask
		}
	}
	return out, nil
}

// SubtractExposures returns sample - factor*background, pixel by pixel,
// preserving sample's mask ANDed with background's (spec.md §4.7.3).
func SubtractExposures(sample, background models.Exposure, factor, factorErr float64) (models.Exposure, error) {
	rows, cols := sample.Shape()
	br, bc := background.Shape()
	if br != rows || bc != cols {
		return models.Exposure{}, fmt.Errorf("reduction: background shape %dx%d does not match sample %dx%d", br, bc, rows, cols)
	}
	out := models.Exposure{
		Header:      sample.Header,
		Intensity:   make([][]float64, rows),
		Uncertainty: make([][]float64, rows),
		Mask:        make([][]int, rows),
	}
	out.Header.Category = models.CategorySubtracted
	for r := 0; r < rows; r++ {
		out.Intensity[r] = make([]float64, cols)
		out.Uncertainty[r] = make([]float64, cols)
		out.Mask[r] = make([]int, cols)
		for c := 0; c < cols; c++ {
			out.Intensity[r][c] = sample.Intensity[r][c] - factor*background.Intensity[r][c]
			scaledErr := factor * background.Uncertainty[r][c]
			factorTerm := factorErr * background.Intensity[r][c]
			out.Uncertainty[r][c] = sqrtSumSquares(sample.Uncertainty[r][c], scaledErr, factorTerm)
			mask := sample.Mask[r][c]
			if background.Mask[r][c] == 0 {
				mask = 0
			}
			out.Mask[r][c] = mask
		}
	}
	return out, nil
}

func sqrtSumSquares(xs ...float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x * x
	}
	return math.Sqrt(sum)
}
