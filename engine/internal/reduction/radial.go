package reduction

import (
	"fmt"
	"math"

	"saxsctl/engine/models"
)

// QGridMethod selects how an automatic q-grid is spaced.
type QGridMethod int

const (
	QGridLinear QGridMethod = iota
	QGridLogarithmic
)

// QGrid derives a q-grid for ex: count bin centers spanning the smallest to
// the largest scattering vector any valid pixel reaches.
func QGrid(ex models.Exposure, method QGridMethod, count int) []float64 {
	if count <= 0 {
		count = 100
	}
	qmin, qmax := math.Inf(1), math.Inf(-1)
	forEachValidPixel(ex, func(row, col int, intensity, sigma float64) {
		q := pixelQ(ex.Header, row, col)
		if q > 0 && q < qmin {
			qmin = q
		}
		if q > qmax {
			qmax = q
		}
	})
	if math.IsInf(qmin, 1) || math.IsInf(qmax, -1) || qmin >= qmax {
		return nil
	}
	if method == QGridLogarithmic {
		return Logspace(qmin, qmax, count)
	}
	return Linspace(qmin, qmax, count)
}

// pixelQ maps one pixel to its scattering vector magnitude using the
// header's geometry: q = 4π sin(atan(r/L)/2) / λ.
func pixelQ(h models.Header, row, col int) float64 {
	dr := float64(row) - h.BeamRow
	dc := float64(col) - h.BeamCol
	radius := math.Hypot(dr, dc) * h.PixelSize
	if h.Distance <= 0 || h.Wavelength <= 0 {
		return 0
	}
	twoTheta := math.Atan(radius / h.Distance)
	return 4 * math.Pi * math.Sin(twoTheta/2) / h.Wavelength
}

func forEachValidPixel(ex models.Exposure, fn func(row, col int, intensity, sigma float64)) {
	for r := range ex.Intensity {
		for c := range ex.Intensity[r] {
			if ex.Mask[r][c] == 0 {
				continue
			}
			v := ex.Intensity[r][c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			fn(r, c, v, ex.Uncertainty[r][c])
		}
	}
}

// RadialAverage azimuthally integrates ex onto the bin centers in qcenters
// (ascending), propagating per-pixel intensity uncertainties with method.
// The q channel of the result carries the empirical mean and spread of the
// pixel q-values landing in each bin; BinArea counts contributing pixels and
// PixelRadius their mean distance from the beam center. Bins no pixel lands
// in come back NaN-intensity with zero area, preserving the grid length.
func RadialAverage(ex models.Exposure, qcenters []float64, method AverageMethod) (models.Curve, error) {
	n := len(qcenters)
	if n == 0 {
		return models.Curve{}, fmt.Errorf("reduction: RadialAverage requires a non-empty q-grid")
	}
	edges := binEdges(qcenters)

	type binAccum struct {
		intensity *MatrixAverager
		sigmas    []float64
		values    []float64
		qs        []float64
		radii     []float64
	}
	bins := make([]binAccum, n)
	for i := range bins {
		bins[i] = binAccum{intensity: NewMatrixAverager(method)}
	}

	forEachValidPixel(ex, func(row, col int, intensity, sigma float64) {
		q := pixelQ(ex.Header, row, col)
		idx := findBin(edges, q)
		if idx < 0 {
			return
		}
		b := &bins[idx]
		b.values = append(b.values, intensity)
		b.sigmas = append(b.sigmas, sigma)
		b.qs = append(b.qs, q)
		dr := float64(row) - ex.Header.BeamRow
		dc := float64(col) - ex.Header.BeamCol
		b.radii = append(b.radii, math.Hypot(dr, dc))
	})

	out := models.Curve{
		Q:            make([]float64, n),
		Intensity:    make([]float64, n),
		IntensityErr: make([]float64, n),
		QErr:         make([]float64, n),
		BinArea:      make([]float64, n),
		PixelRadius:  make([]float64, n),
	}
	for i := range bins {
		b := &bins[i]
		if len(b.values) == 0 {
			out.Q[i] = qcenters[i]
			out.Intensity[i] = math.NaN()
			out.IntensityErr[i] = math.NaN()
			continue
		}
		sigmas := SanitizeUncertainties(b.sigmas)
		for k, v := range b.values {
			b.intensity.Add(v, sigmas[k])
		}
		out.Intensity[i], out.IntensityErr[i] = b.intensity.Result()

		qMean, qStd := meanStd(b.qs)
		out.Q[i] = qMean
		out.QErr[i] = qStd
		out.BinArea[i] = float64(len(b.values))
		rMean, _ := meanStd(b.radii)
		out.PixelRadius[i] = rMean
	}
	return out, nil
}

// binEdges builds n+1 edges from n ascending centers: midpoints between
// neighbours, with the outermost edges mirrored half-widths.
func binEdges(centers []float64) []float64 {
	n := len(centers)
	edges := make([]float64, n+1)
	for i := 1; i < n; i++ {
		edges[i] = (centers[i-1] + centers[i]) / 2
	}
	if n > 1 {
		edges[0] = centers[0] - (centers[1]-centers[0])/2
		edges[n] = centers[n-1] + (centers[n-1]-centers[n-2])/2
	} else {
		edges[0] = centers[0] * 0.5
		edges[1] = centers[0] * 1.5
	}
	return edges
}

// findBin locates q within edges, returning -1 when out of range.
func findBin(edges []float64, q float64) int {
	if q < edges[0] || q > edges[len(edges)-1] {
		return -1
	}
	lo, hi := 0, len(edges)-1
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if edges[mid] <= q {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
