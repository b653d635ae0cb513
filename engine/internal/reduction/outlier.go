package reduction

import (
	"math"

	"saxsctl/engine/models"
)

// CorrelationMatrix computes the N×N correlation matrix of spec.md §4.7.1:
// C[i][j] is the mean squared distance between curve i and curve j's
// intensity, scaled by their combined uncertainty, evaluated on their
// shared q-grid (curves must already share one q-grid, as produced by a
// common radial-average step). The diagonal C[i][i] holds each curve's
// per-curve outlier score: its mean discrepancy against every other curve.
func CorrelationMatrix(curves []models.Curve) [][]float64 {
	n := len(curves)
	c := make([][]float64, n)
	for i := range c {
		c[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := pairwiseDistance(curves[i], curves[j])
			c[i][j] = v
			c[j][i] = v
		}
	}
	if n > 1 {
		for i := 0; i < n; i++ {
			var sum float64
			for j := 0; j < n; j++ {
				if j != i {
					sum += c[i][j]
				}
			}
			c[i][i] = sum / float64(n-1)
		}
	}
	return c
}

// pairwiseDistance is the literal correlmatrix_cython definition referenced
// by spec.md §4.7.1: the mean, over shared q-points, of the squared
// intensity difference divided by the combined variance.
func pairwiseDistance(a, b models.Curve) float64 {
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}
	if n == 0 {
		return 0
	}
	var sum float64
	var count int
	for k := 0; k < n; k++ {
		diff := a.Intensity[k] - b.Intensity[k]
		variance := a.IntensityErr[k]*a.IntensityErr[k] + b.IntensityErr[k]*b.IntensityErr[k]
		if variance <= 0 || math.IsNaN(diff) {
			continue
		}
		sum += (diff * diff) / variance
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// diagonal extracts a matrix's diagonal (the per-curve outlier score
// vector, spec.md §3 OutlierTest).
func diagonal(m [][]float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		if i < len(m[i]) {
			out[i] = m[i][i]
		}
	}
	return out
}

// DetectOutliers implements spec.md §4.7.1's three outlier methods over a
// score vector, honoring badFSN: entries already marked bad skip scoring
// and remain bad; the function returns the union of badFSN and the newly
// detected outliers, aligned to fsns.
func DetectOutliers(scores []float64, fsns []int64, method models.OutlierMethod, threshold float64, badFSN map[int64]bool) models.OutlierTest {
	isOutlier := make([]bool, len(scores))

	var scoreable []float64
	var scoreableIdx []int
	for i, fsn := range fsns {
		if badFSN[fsn] {
			isOutlier[i] = true
			continue
		}
		scoreable = append(scoreable, scores[i])
		scoreableIdx = append(scoreableIdx, i)
	}

	switch method {
	case models.OutlierZScore:
		mean, std := meanStd(scoreable)
		for k, i := range scoreableIdx {
			if std == 0 {
				continue
			}
			if math.Abs(scoreable[k]-mean)/std > threshold {
				isOutlier[i] = true
			}
		}
	case models.OutlierModifiedZScore:
		med := median(scoreable)
		mad := medianAbsoluteDeviation(scoreable)
		for k, i := range scoreableIdx {
			if mad == 0 {
				continue
			}
			if math.Abs(0.6745*(scoreable[k]-med)/mad) > threshold {
				isOutlier[i] = true
			}
		}
	case models.OutlierIQR:
		q1, q3 := quartiles(scoreable)
		iqr := q3 - q1
		lo, hi := q1-threshold*iqr, q3+threshold*iqr
		for k, i := range scoreableIdx {
			if scoreable[k] < lo || scoreable[k] > hi {
				isOutlier[i] = true
			}
		}
	}

	for i, fsn := range fsns {
		if badFSN[fsn] {
			isOutlier[i] = true
		}
	}

	return models.OutlierTest{
		Score:     append([]float64(nil), scores...),
		Method:    method,
		Threshold: threshold,
		IsOutlier: isOutlier,
		FSN:       append([]int64(nil), fsns...),
	}
}

// RunOutlierTest computes the correlation matrix for curves, scores each by
// its diagonal, and classifies outliers per method/threshold, honoring a
// caller-supplied bad-fsn set (spec.md §4.7.1).
func RunOutlierTest(curves []models.Curve, fsns []int64, method models.OutlierMethod, threshold float64, badFSN map[int64]bool) models.OutlierTest {
	corr := CorrelationMatrix(curves)
	scores := diagonal(corr)
	test := DetectOutliers(scores, fsns, method, threshold, badFSN)
	test.Correlation = corr
	return test
}

// GoodFSNs returns the fsns in test that were not classified as outliers,
// in the order they were supplied.
func GoodFSNs(test models.OutlierTest) []int64 {
	var out []int64
	for i, bad := range test.IsOutlier {
		if !bad {
			out = append(out, test.FSN[i])
		}
	}
	return out
}

// UnionBadFSNs merges a caller-supplied bad-fsn set with the newly detected
// outliers from test (spec.md §4.7.1: "the union... is returned").
func UnionBadFSNs(existing map[int64]bool, test models.OutlierTest) map[int64]bool {
	out := make(map[int64]bool, len(existing)+len(test.FSN))
	for fsn, v := range existing {
		if v {
			out[fsn] = true
		}
	}
	for i, bad := range test.IsOutlier {
		if bad {
			out[test.FSN[i]] = true
		}
	}
	return out
}
