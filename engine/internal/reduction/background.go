package reduction

import (
	"fmt"
	"math"

	"saxsctl/engine/models"
)

// BackgroundScalingMode selects how the subtraction factor in
// SubtractBackground is obtained (spec.md §4.7.3).
type BackgroundScalingMode int

const (
	ScalingUnscaled BackgroundScalingMode = iota
	ScalingConstant
	ScalingInterval
	ScalingPowerLaw
)

// Factor is a value with its propagated uncertainty, the shape §4.7.3
// calls factor = (value, uncertainty).
type Factor struct {
	Value       float64
	Uncertainty float64
}

// SubtractBackground implements spec.md §4.7.3: Exposure_out = Exposure_sample
// − factor × Exposure_bg (or − constant when background is nil), for one of
// four scaling modes. constant, a caller-supplied value used only by
// ScalingConstant, is ignored by the other modes.
//
// background may be nil: the subtraction then degenerates to a scalar
// subtract. Constant subtracts the caller's constant; Interval/PowerLaw fit
// against a unit curve on sample's q-grid, so the fitted factor is a bare
// additive constant fitted to sample alone over [qmin, qmax].
func SubtractBackground(sample models.Exposure, sampleCurve models.Curve, background *models.Exposure, backgroundCurve models.Curve, mode BackgroundScalingMode, constant Factor, qmin, qmax float64) (models.Exposure, Factor, error) {
	if background == nil && (mode == ScalingInterval || mode == ScalingPowerLaw) {
		n := sampleCurve.Len()
		ones, zeros := make([]float64, n), make([]float64, n)
		for i := range ones {
			ones[i] = 1
		}
		backgroundCurve = models.Curve{Q: sampleCurve.Q, Intensity: ones, IntensityErr: zeros, QErr: zeros, BinArea: zeros, PixelRadius: zeros}
	}
	var factor Factor
	switch mode {
	case ScalingUnscaled:
		factor = Factor{Value: 1, Uncertainty: 0}
	case ScalingConstant:
		factor = constant
	case ScalingInterval:
		f, err := fitIntervalFactor(sampleCurve, backgroundCurve, qmin, qmax)
		if err != nil {
			return models.Exposure{}, Factor{}, err
		}
		factor = f
	case ScalingPowerLaw:
		f, err := fitPowerLawFactor(sampleCurve, backgroundCurve, qmin, qmax)
		if err != nil {
			return models.Exposure{}, Factor{}, err
		}
		factor = f
	default:
		return models.Exposure{}, Factor{}, fmt.Errorf("reduction: unknown background scaling mode %d", mode)
	}

	if background == nil {
		out := subtractScalar(sample, factor.Value, factor.Uncertainty)
		return out, factor, nil
	}
	out, err := SubtractExposures(sample, *background, factor.Value, factor.Uncertainty)
	return out, factor, err
}

func subtractScalar(sample models.Exposure, constant, constantErr float64) models.Exposure {
	rows, cols := sample.Shape()
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
			out.Intensity[r][c] = sample.Intensity[r][c] - constant
			out.Uncertainty[r][c] = sqrtSumSquares(sample.Uncertainty[r][c], constantErr)
			out.Mask[r][c] = sample.Mask[r][c]
		}
	}
	return out
}

// fitIntervalFactor implements spec.md §4.7.3's Interval mode: fit
// I_sample(q) = factor × I_bg(q) over [qmin, qmax] with a line through the
// origin. The fit is weighted least squares, each point weighted by
// 1/(σ_bg² + σ_sample²); it equals an orthogonal-distance fit only when the
// background uncertainties are zero, and in general differs from one.
func fitIntervalFactor(sample, background models.Curve, qmin, qmax float64) (Factor, error) {
	s := TrimToRange(sample, qmin, qmax)
	b := TrimToRange(background, qmin, qmax)
	n := s.Len()
	if n > b.Len() {
		n = b.Len()
	}
	if n < 2 {
		return Factor{}, fmt.Errorf("reduction: interval fit requires at least 2 points in [%g, %g], got %d", qmin, qmax, n)
	}

	var sumXX, sumXY, sumW float64
	for i := 0; i < n; i++ {
		x := b.Intensity[i]
		y := s.Intensity[i]
		sigX := b.IntensityErr[i]
		sigY := s.IntensityErr[i]
		variance := sigX*sigX + sigY*sigY
		if variance <= 0 {
			variance = 1
		}
		w := 1 / variance
		sumXX += w * x * x
		sumXY += w * x * y
		sumW += w
	}
	if sumXX == 0 {
		return Factor{}, fmt.Errorf("reduction: interval fit degenerate (background intensity is zero over interval)")
	}
	beta := sumXY / sumXX
	sigmaBeta := 1 / math.Sqrt(sumXX)
	return Factor{Value: beta, Uncertainty: sigmaBeta}, nil
}

// fitPowerLawFactor implements spec.md §4.7.3's PowerLaw mode: find factor
// minimizing the residual variance of a power-law fit (I = A·q^-n) to
// I_sample − factor×I_bg on [qmin, qmax]. The outer minimization over factor
// is a 1-D golden-section search; the factor's uncertainty is read from the
// curvature (second derivative, i.e. the inverse "Hessian" of this 1-D
// problem) of the residual-variance objective at the minimum.
func fitPowerLawFactor(sample, background models.Curve, qmin, qmax float64) (Factor, error) {
	s := TrimToRange(sample, qmin, qmax)
	b := TrimToRange(background, qmin, qmax)
	n := s.Len()
	if n > b.Len() {
		n = b.Len()
	}
	if n < 3 {
		return Factor{}, fmt.Errorf("reduction: power-law fit requires at least 3 points in [%g, %g], got %d", qmin, qmax, n)
	}
	q := s.Q[:n]
	sampleI := s.Intensity[:n]
	bgI := b.Intensity[:n]

	objective := func(factor float64) float64 {
		residual := make([]float64, n)
		for i := range residual {
			residual[i] = sampleI[i] - factor*bgI[i]
		}
		_, _, variance := fitPowerLawResidualVariance(q, residual)
		return variance
	}

	lo, hi := powerLawBracket(sampleI, bgI)
	beta, variance := goldenSectionMinimize(objective, lo, hi, 200)

	h := 1e-3 * math.Max(1, math.Abs(beta))
	d2 := (objective(beta+h) - 2*variance + objective(beta-h)) / (h * h)
	sigmaBeta := 0.0
	if d2 > 0 {
		sigmaBeta = math.Sqrt(2 / d2)
	}
	return Factor{Value: beta, Uncertainty: sigmaBeta}, nil
}

// fitPowerLawResidualVariance fits log|residual| = log(A) − n·log(q) by
// ordinary least squares and returns the fit's residual variance, used as
// the objective fitPowerLawFactor minimizes over factor.
func fitPowerLawResidualVariance(q, residual []float64) (logA, n float64, variance float64) {
	var xs, ys []float64
	for i, r := range residual {
		if q[i] <= 0 || r == 0 {
			continue
		}
		xs = append(xs, math.Log(q[i]))
		ys = append(ys, math.Log(math.Abs(r)))
	}
	m := len(xs)
	if m < 2 {
		return 0, 0, math.Inf(1)
	}
	var sumX, sumY, sumXX, sumXY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXX += xs[i] * xs[i]
		sumXY += xs[i] * ys[i]
	}
	fm := float64(m)
	denom := fm*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, math.Inf(1)
	}
	slope := (fm*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fm

	var ss float64
	for i := range xs {
		predicted := intercept + slope*xs[i]
		d := ys[i] - predicted
		ss += d * d
	}
	return intercept, -slope, ss / fm
}

// powerLawBracket derives a search interval for the subtraction factor from
// the ratio of sample to background intensities, so the golden-section
// search starts centered on a physically plausible scale.
func powerLawBracket(sample, background []float64) (lo, hi float64) {
	var ratios []float64
	for i := range sample {
		if background[i] != 0 {
			ratios = append(ratios, sample[i]/background[i])
		}
	}
	center := median(ratios)
	if center == 0 {
		center = 1
	}
	span := math.Abs(center)*4 + 1
	return center - span, center + span
}

// goldenSectionMinimize minimizes a unimodal f on [lo, hi] by golden-section
// search, returning the argmin and f's value there.
func goldenSectionMinimize(f func(float64) float64, lo, hi float64, iterations int) (x, fx float64) {
	const phi = 0.6180339887498949
	a, b := lo, hi
	c := b - phi*(b-a)
	d := a + phi*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < iterations; i++ {
		if fc < fd {
			b = d
			d = c
			fd = fc
			c = b - phi*(b-a)
			fc = f(c)
		} else {
			a = c
			c = d
			fc = fd
			d = a + phi*(b-a)
			fd = f(d)
		}
		if math.Abs(b-a) < 1e-9*(math.Abs(a)+math.Abs(b)+1e-12) {
			break
		}
	}
	x = (a + b) / 2
	return x, f(x)
}
