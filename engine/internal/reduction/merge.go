package reduction

import (
	"fmt"
	"math"

	"saxsctl/engine/models"
)

// DistanceCurve is one (distance, curve) entry in a multi-distance merge
// input list, together with the q-window that curve is trusted over
// (spec.md §4.7.4).
type DistanceCurve struct {
	Distance float64
	Curve    models.Curve
	QMin     float64
	QMax     float64
}

// MergeResult is the outcome of merging one adjacent pair of distances
// during MergeDistances: the fitted scale factor and the q at which the two
// curves are spliced.
type MergeResult struct {
	Factor    Factor
	Separator float64
}

const mergeGridPoints = 10

// MergeDistances implements spec.md §4.7.4: walks an ordered list of
// (distance, curve) entries from the shortest to the longest distance,
// fits a scale factor between each adjacent pair on their common q-window,
// scales every curve by the cumulative product of the factors found so
// far, trims each curve to its separator range, and concatenates the
// result. The input order is assumed already sorted by distance (the
// caller orders by actual sample-to-detector distance, since that
// ordering determines which member of each pair is "short" vs "long").
func MergeDistances(inputs []DistanceCurve) (models.Curve, []MergeResult, error) {
	if len(inputs) == 0 {
		return models.Curve{}, nil, fmt.Errorf("reduction: MergeDistances requires at least one curve")
	}
	if len(inputs) == 1 {
		out := inputs[0].Curve
		out.Q = append([]float64(nil), out.Q...)
		return out, nil, nil
	}

	results := make([]MergeResult, len(inputs)-1)
	cumulative := make([]float64, len(inputs))
	cumulative[0] = 1

	for i := 0; i < len(inputs)-1; i++ {
		short, long := inputs[i], inputs[i+1]
		commonMin := math.Max(short.QMin, long.QMin)
		commonMax := math.Min(short.QMax, long.QMax)
		if commonMin >= commonMax {
			return models.Curve{}, nil, fmt.Errorf("reduction: no common q-window between distances %g and %g", short.Distance, long.Distance)
		}

		grid := Linspace(commonMin, commonMax, mergeGridPoints)
		shortI := InterpolateLinear(short.Curve, grid)
		longI := InterpolateLinear(long.Curve, grid)

		valid := 0
		for k := range grid {
			if !math.IsNaN(shortI[k]) && !math.IsNaN(longI[k]) {
				valid++
			}
		}
		if valid < 2 {
			return models.Curve{}, nil, fmt.Errorf("reduction: fewer than 2 valid points in common q-window between distances %g and %g", short.Distance, long.Distance)
		}

		beta, sigmaBeta, err := fitLinearThroughOriginODR(longI, shortI)
		if err != nil {
			return models.Curve{}, nil, fmt.Errorf("reduction: ODR fit between distances %g and %g: %w", short.Distance, long.Distance, err)
		}

		separator := separatorPoint(grid, shortI, longI, beta)

		results[i] = MergeResult{Factor: Factor{Value: beta, Uncertainty: sigmaBeta}, Separator: separator}
		cumulative[i+1] = cumulative[i] * beta
	}

	merged := ScaleCurve(inputs[0].Curve, cumulative[0])
	merged = TrimToRange(merged, inputs[0].QMin, results[0].Separator)

	for i := 1; i < len(inputs); i++ {
		lo := results[i-1].Separator
		hi := inputs[i].QMax
		if i < len(results) {
			hi = results[i].Separator
		}
		scaled := ScaleCurve(inputs[i].Curve, cumulative[i])
		trimmed := TrimToRange(scaled, lo, hi)
		merged = Concat(merged, trimmed)
	}

	merged.Intensity = append([]float64(nil), merged.Intensity...)
	return merged, results, nil
}

// fitLinearThroughOriginODR fits, per spec.md §4.7.4 step 3,
// I_short(q) = beta * I_long(q) through the origin by unweighted orthogonal
// distance regression, returning beta and its standard error. ODR "status >
// 4 is fatal" is modeled here as a degenerate (zero-variance) fit returning
// an error.
func fitLinearThroughOriginODR(longI, shortI []float64) (beta, sigmaBeta float64, err error) {
	var sumXX, sumXY, sumYY float64
	n := 0
	for i := range longI {
		x, y := longI[i], shortI[i]
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		sumXX += x * x
		sumXY += x * y
		sumYY += y * y
		n++
	}
	if n < 2 || sumXY == 0 {
		return 0, 0, fmt.Errorf("degenerate fit (insufficient or zero-variance data)")
	}
	// minimizer of Σ(y − βx)²/(1 + β²): the root of
	// Sxy·β² + (Sxx − Syy)·β − Sxy = 0 with the sign of Sxy.
	d := sumYY - sumXX
	beta = (d + math.Sqrt(d*d+4*sumXY*sumXY)) / (2 * sumXY)

	var ss float64
	for i := range longI {
		x, y := longI[i], shortI[i]
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		residual := y - beta*x
		ss += residual * residual
	}
	variance := ss / float64(n)
	sigmaBeta = math.Sqrt(variance / sumXX)
	return beta, sigmaBeta, nil
}

// separatorPoint chooses the q in grid minimizing |beta*long - short|, the
// splice point spec.md §4.7.4 step 4 defines.
func separatorPoint(grid, shortI, longI []float64, beta float64) float64 {
	bestQ := grid[0]
	bestDiff := math.Inf(1)
	for i, q := range grid {
		if math.IsNaN(shortI[i]) || math.IsNaN(longI[i]) {
			continue
		}
		diff := math.Abs(beta*longI[i] - shortI[i])
		if diff < bestDiff {
			bestDiff = diff
			bestQ = q
		}
	}
	return bestQ
}
