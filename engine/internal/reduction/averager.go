// Package reduction implements the ReductionPipeline: curve/exposure/header
// arithmetic, outlier rejection, background subtraction and multi-distance
// merging (spec.md §4.7). Apart from the bad-fsn file helpers in
// badfsns.go, every exported computation is pure and side-effect free; the
// Job wrapper in job.go is the only stateful part,
// responsible for progress reporting and cancellation.
package reduction

import (
	"math"
	"sort"
)

// AverageMethod selects how MatrixAverager propagates uncertainty across a
// stream of (value, uncertainty) samples (spec.md §4.7.5).
type AverageMethod int

const (
	AverageWeighted AverageMethod = iota
	AverageLinear
	AverageGaussian
	AverageConservative
	AverageStandardErrorOfMean
)

// MatrixAverager streams (value, uncertainty) pairs and reduces them to one
// averaged value and uncertainty under a selected propagation method. It
// holds only the running accumulators named in spec.md's table, never the
// full sample history, so it scales to whole-image averaging.
type MatrixAverager struct {
	method AverageMethod

	n int

	sumV    float64 // Σv
	sumV2   float64 // Σv²
	sumSig  float64 // Σσ
	sumSig2 float64 // Σσ²
	sumVoW  float64 // Σ v/σ²  (weighted)
	sumW    float64 // Σ 1/σ²  (weighted)
}

// NewMatrixAverager constructs an averager for the given propagation method.
func NewMatrixAverager(method AverageMethod) *MatrixAverager {
	return &MatrixAverager{method: method}
}

// Add accumulates one (value, uncertainty) sample. A non-positive or
// non-finite uncertainty is not valid on its own; callers must first run
// SanitizeUncertainties over the full sample set (spec.md §4.7.5) and pass
// the corrected uncertainty here.
func (a *MatrixAverager) Add(v, sigma float64) {
	a.n++
	a.sumV += v
	a.sumV2 += v * v
	a.sumSig += sigma
	a.sumSig2 += sigma * sigma
	if sigma > 0 {
		w := 1 / (sigma * sigma)
		a.sumVoW += v * w
		a.sumW += w
	}
}

// N reports the number of samples accumulated so far.
func (a *MatrixAverager) N() int { return a.n }

// Result returns the averaged value and its propagated uncertainty for the
// configured method (spec.md §4.7.5 table). Calling Result with zero
// samples returns (0, 0).
func (a *MatrixAverager) Result() (value, uncertainty float64) {
	if a.n == 0 {
		return 0, 0
	}
	n := float64(a.n)
	switch a.method {
	case AverageWeighted:
		if a.sumW == 0 {
			return a.sumV / n, 0
		}
		return a.sumVoW / a.sumW, 1 / math.Sqrt(a.sumW)
	case AverageLinear:
		return a.sumV / n, a.sumSig / (n * n)
	case AverageGaussian:
		return a.sumV / n, math.Sqrt(a.sumSig2) / n
	case AverageConservative:
		mean := a.sumV / n
		sem := standardErrorOfMean(n, a.sumV, a.sumV2)
		propagated := math.Sqrt(a.sumSig2) / n
		if sem > propagated {
			return mean, sem
		}
		return mean, propagated
	case AverageStandardErrorOfMean:
		return a.sumV / n, standardErrorOfMean(n, a.sumV, a.sumV2)
	default:
		return a.sumV / n, 0
	}
}

func standardErrorOfMean(n, sumV, sumV2 float64) float64 {
	if n <= 1 {
		return 0
	}
	mean := sumV / n
	sampleVariance := (sumV2 - n*mean*mean) / (n - 1)
	if sampleVariance < 0 {
		sampleVariance = 0
	}
	return math.Sqrt(sampleVariance / n)
}

// SanitizeUncertainties implements spec.md §4.7.5's pre-accumulation rule:
// any non-positive or non-finite uncertainty is replaced by the smallest
// positive, finite element of the same matrix; if no such element exists,
// every uncertainty is set to 1. The input slice is not mutated; a
// corrected copy is returned.
func SanitizeUncertainties(sigmas []float64) []float64 {
	out := make([]float64, len(sigmas))
	copy(out, sigmas)

	smallest := math.Inf(1)
	found := false
	for _, s := range out {
		if s > 0 && !math.IsInf(s, 0) && !math.IsNaN(s) {
			if s < smallest {
				smallest = s
				found = true
			}
		}
	}
	if !found {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range out {
		if !(s > 0) || math.IsInf(s, 0) || math.IsNaN(s) {
			out[i] = smallest
		}
	}
	return out
}

// median returns the median of a float64 slice without mutating the input.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 0 {
		return (cp[mid-1] + cp[mid]) / 2
	}
	return cp[mid]
}

// meanStd returns the arithmetic mean and population-free (sample) standard
// deviation of xs.
func meanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// quartiles returns Q1 and Q3 of xs using the same inclusive-median method
// spec.md's scenario S4 assumes (split at the median, take the median of
// each half).
func quartiles(xs []float64) (q1, q3 float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	n := len(cp)
	mid := n / 2
	lower := cp[:mid]
	var upper []float64
	if n%2 == 0 {
		upper = cp[mid:]
	} else {
		upper = cp[mid+1:]
	}
	return median(lower), median(upper)
}

// medianAbsoluteDeviation returns MAD(xs) about its own median.
func medianAbsoluteDeviation(xs []float64) float64 {
	m := median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - m)
	}
	return median(dev)
}
