package reduction

import (
	"fmt"
	"math"

	"saxsctl/engine/models"
)

// ErrIncompatibleQ is returned (wrapped) when two curves' q-scales differ by
// more than the 0.5% tolerance spec.md §3 invariant 5 / §8 property 3 allow.
type ErrIncompatibleQ struct {
	MaxRelDiff float64
}

func (e *ErrIncompatibleQ) Error() string {
	return fmt.Sprintf("curve q-scales incompatible: max relative difference %.4f exceeds 0.005", e.MaxRelDiff)
}

// QCompatible reports whether a and b's q-vectors coincide within 0.5% of
// their local mean, and returns the observed maximum relative difference.
func QCompatible(a, b models.Curve) (bool, float64) {
	if len(a.Q) != len(b.Q) {
		return false, math.Inf(1)
	}
	var maxRel float64
	for i := range a.Q {
		mean := (a.Q[i] + b.Q[i]) / 2
		if mean == 0 {
			continue
		}
		rel := math.Abs(a.Q[i]-b.Q[i]) / mean
		if rel > maxRel {
			maxRel = rel
		}
	}
	return maxRel <= 0.005, maxRel
}

// CurveArray is the flat row-major serialization of a Curve: one row per
// q-point, six columns in models.CurveColumn order. AsArray/FromArray round
// trip a Curve through this shape (spec.md §8 round-trip property).
type CurveArray [][6]float64

// AsArray returns c's six channels as one row per q-point (spec.md §8
// round-trip property: FromArray(AsArray(c)) must equal c).
func AsArray(c models.Curve) CurveArray {
	out := make(CurveArray, c.Len())
	for i := range out {
		out[i] = [6]float64{c.Q[i], c.Intensity[i], c.IntensityErr[i], c.QErr[i], c.BinArea[i], c.PixelRadius[i]}
	}
	return out
}

// FromArray reconstructs a Curve from its flat row-major representation.
func FromArray(rows CurveArray) models.Curve {
	n := len(rows)
	c := models.Curve{
		Q:            make([]float64, n),
		Intensity:    make([]float64, n),
		IntensityErr: make([]float64, n),
		QErr:         make([]float64, n),
		BinArea:      make([]float64, n),
		PixelRadius:  make([]float64, n),
	}
	for i, row := range rows {
		c.Q[i] = row[0]
		c.Intensity[i] = row[1]
		c.IntensityErr[i] = row[2]
		c.QErr[i] = row[3]
		c.BinArea[i] = row[4]
		c.PixelRadius[i] = row[5]
	}
	return c
}

// FromVectors builds a Curve from its six channel vectors, which must share
// a common length.
func FromVectors(q, intensity, intensityErr, qErr, binArea, pixelRadius []float64) (models.Curve, error) {
	n := len(q)
	for _, v := range [][]float64{intensity, intensityErr, qErr, binArea, pixelRadius} {
		if len(v) != n {
			return models.Curve{}, fmt.Errorf("curve: channel length mismatch (want %d, got %d)", n, len(v))
		}
	}
	return models.Curve{
		Q:            append([]float64(nil), q...),
		Intensity:    append([]float64(nil), intensity...),
		IntensityErr: append([]float64(nil), intensityErr...),
		QErr:         append([]float64(nil), qErr...),
		BinArea:      append([]float64(nil), binArea...),
		PixelRadius:  append([]float64(nil), pixelRadius...),
	}, nil
}

// AverageCurves implements spec.md §4.7.2's per-channel curve averaging:
// each curve's q-scale must be compatible with the others' (§3 invariant 5),
// the output q vector is the midpoint of the inputs' q-vectors across the
// whole set (generalizing the pairwise rule in §8 property 3), and
// Intensity/IntensityErr are reduced with the given MatrixAverager method;
// QErr, BinArea and PixelRadius are reduced with Linear propagation
// (straight arithmetic mean), matching how the original keeps bin geometry
// additive regardless of the selected error model.
func AverageCurves(curves []models.Curve, method AverageMethod) (models.Curve, error) {
	if len(curves) == 0 {
		return models.Curve{}, fmt.Errorf("reduction: AverageCurves requires at least one curve")
	}
	n := curves[0].Len()
	for _, c := range curves[1:] {
		if ok, diff := QCompatible(curves[0], c); !ok {
			return models.Curve{}, &ErrIncompatibleQ{MaxRelDiff: diff}
		}
	}

	out := models.Curve{
		Q:            make([]float64, n),
		Intensity:    make([]float64, n),
		IntensityErr: make([]float64, n),
		QErr:         make([]float64, n),
		BinArea:      make([]float64, n),
		PixelRadius:  make([]float64, n),
	}

	for i := 0; i < n; i++ {
		var qSum float64
		intensityAvg := NewMatrixAverager(method)
		qErrAvg := NewMatrixAverager(AverageLinear)
		binAreaAvg := NewMatrixAverager(AverageLinear)
		radiusAvg := NewMatrixAverager(AverageLinear)

		sigmas := make([]float64, len(curves))
		for j, c := range curves {
			sigmas[j] = c.IntensityErr[i]
		}
		sigmas = SanitizeUncertainties(sigmas)

		for j, c := range curves {
			qSum += c.Q[i]
			intensityAvg.Add(c.Intensity[i], sigmas[j])
			qErrAvg.Add(c.QErr[i], 1)
			binAreaAvg.Add(c.BinArea[i], 1)
			radiusAvg.Add(c.PixelRadius[i], 1)
		}

		out.Q[i] = qSum / float64(len(curves))
		out.Intensity[i], out.IntensityErr[i] = intensityAvg.Result()
		out.QErr[i], _ = qErrAvg.Result()
		out.BinArea[i], _ = binAreaAvg.Result()
		out.PixelRadius[i], _ = radiusAvg.Result()
	}
	return out, nil
}

// SubtractCurves returns a - factor*b, requiring q-compatibility. The
// output q vector and geometry channels are copied from a; the independent
// intensity uncertainties combine in quadrature.
func SubtractCurves(a, b models.Curve, factor, factorErr float64) (models.Curve, error) {
	if ok, diff := QCompatible(a, b); !ok {
		return models.Curve{}, &ErrIncompatibleQ{MaxRelDiff: diff}
	}
	n := a.Len()
	out := models.Curve{
		Q:            append([]float64(nil), a.Q...),
		Intensity:    make([]float64, n),
		IntensityErr: make([]float64, n),
		QErr:         append([]float64(nil), a.QErr...),
		BinArea:      append([]float64(nil), a.BinArea...),
		PixelRadius:  append([]float64(nil), a.PixelRadius...),
	}
	for i := 0; i < n; i++ {
		out.Intensity[i] = a.Intensity[i] - factor*b.Intensity[i]
		// propagate independent variances of a, factor*b (factor carries its
		// own uncertainty, contributing factorErr*b.Intensity via the usual
		// product rule) in quadrature.
		scaledErr := factor * b.IntensityErr[i]
		factorTerm := factorErr * b.Intensity[i]
		out.IntensityErr[i] = math.Sqrt(a.IntensityErr[i]*a.IntensityErr[i] + scaledErr*scaledErr + factorTerm*factorTerm)
	}
	return out, nil
}

// ScaleCurve returns a copy of c with Intensity and IntensityErr scaled by
// factor (used by multi-distance merging, spec.md §4.7.4 step "scale each
// curve by ∏ factor_j").
func ScaleCurve(c models.Curve, factor float64) models.Curve {
	n := c.Len()
	out := models.Curve{
		Q:            append([]float64(nil), c.Q...),
		Intensity:    make([]float64, n),
		IntensityErr: make([]float64, n),
		QErr:         append([]float64(nil), c.QErr...),
		BinArea:      append([]float64(nil), c.BinArea...),
		PixelRadius:  append([]float64(nil), c.PixelRadius...),
	}
	for i := 0; i < n; i++ {
		out.Intensity[i] = c.Intensity[i] * factor
		out.IntensityErr[i] = c.IntensityErr[i] * math.Abs(factor)
	}
	return out
}

// TrimToRange returns the subset of c with qmin <= q <= qmax.
func TrimToRange(c models.Curve, qmin, qmax float64) models.Curve {
	var idx []int
	for i, q := range c.Q {
		if q >= qmin && q <= qmax {
			idx = append(idx, i)
		}
	}
	out := models.Curve{
		Q:            make([]float64, len(idx)),
		Intensity:    make([]float64, len(idx)),
		IntensityErr: make([]float64, len(idx)),
		QErr:         make([]float64, len(idx)),
		BinArea:      make([]float64, len(idx)),
		PixelRadius:  make([]float64, len(idx)),
	}
	for k, i := range idx {
		out.Q[k] = c.Q[i]
		out.Intensity[k] = c.Intensity[i]
		out.IntensityErr[k] = c.IntensityErr[i]
		out.QErr[k] = c.QErr[i]
		out.BinArea[k] = c.BinArea[i]
		out.PixelRadius[k] = c.PixelRadius[i]
	}
	return out
}

// Concat appends b's points after a's, in q order as supplied (callers are
// responsible for trimming overlap first, per spec.md §4.7.4).
func Concat(a, b models.Curve) models.Curve {
	return models.Curve{
		Q:            append(append([]float64(nil), a.Q...), b.Q...),
		Intensity:    append(append([]float64(nil), a.Intensity...), b.Intensity...),
		IntensityErr: append(append([]float64(nil), a.IntensityErr...), b.IntensityErr...),
		QErr:         append(append([]float64(nil), a.QErr...), b.QErr...),
		BinArea:      append(append([]float64(nil), a.BinArea...), b.BinArea...),
		PixelRadius:  append(append([]float64(nil), a.PixelRadius...), b.PixelRadius...),
	}
}

// InterpolateLinear linearly interpolates c's intensity onto the points in
// q (which must be sorted ascending, as must c.Q); used to place two
// exposures' curves onto a shared equispaced grid before ODR fitting
// (spec.md §4.7.4 step 2).
func InterpolateLinear(c models.Curve, q []float64) []float64 {
	out := make([]float64, len(q))
	for i, x := range q {
		out[i] = interp1(c.Q, c.Intensity, x)
	}
	return out
}

func interp1(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return ys[0]
	}
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[n-1] {
		return ys[n-1]
	}
	lo, hi := 0, n-1
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if xs[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	span := xs[hi] - xs[lo]
	if span == 0 {
		return ys[lo]
	}
	t := (x - xs[lo]) / span
	return ys[lo] + t*(ys[hi]-ys[lo])
}

// Linspace returns n equispaced points in [lo, hi] inclusive.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

// Logspace returns n logarithmically spaced points in [lo, hi] inclusive
// (lo, hi must be positive); this is the "logarithmic" radial-average grid
// method named in spec.md §4.7.1.
func Logspace(lo, hi float64, n int) []float64 {
	if lo <= 0 || hi <= 0 || n <= 1 {
		return Linspace(lo, hi, n)
	}
	llo, lhi := math.Log(lo), math.Log(hi)
	out := Linspace(llo, lhi, n)
	for i := range out {
		out[i] = math.Exp(out[i])
	}
	return out
}
