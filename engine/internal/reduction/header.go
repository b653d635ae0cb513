package reduction

import "saxsctl/engine/models"

// AverageHeaders implements spec.md §4.7.2's header-averaging rules:
// value-with-uncertainty fields go through a MatrixAverager; startdate
// takes the earliest, enddate the latest; exposurecount sums; the sample
// title is copied from the first header and the category is set to primary
// (callers are
// expected to have already grouped headers by (sample, distance)).
func AverageHeaders(headers []models.Header, method AverageMethod) models.Header {
	if len(headers) == 0 {
		return models.Header{}
	}
	out := headers[0]
	out.Category = models.CategoryPrimary

	distance := NewMatrixAverager(method)
	wavelength := NewMatrixAverager(method)
	pixelSize := NewMatrixAverager(method)
	beamRow := NewMatrixAverager(method)
	beamCol := NewMatrixAverager(method)
	absInt := NewMatrixAverager(method)

	distErrs := sanitizedOrFallback(headersField(headers, func(h models.Header) float64 { return h.DistanceErr }))
	wlErrs := sanitizedOrFallback(headersField(headers, func(h models.Header) float64 { return h.WavelengthErr }))
	pxErrs := sanitizedOrFallback(headersField(headers, func(h models.Header) float64 { return h.PixelSizeErr }))
	brErrs := sanitizedOrFallback(headersField(headers, func(h models.Header) float64 { return h.BeamRowErr }))
	bcErrs := sanitizedOrFallback(headersField(headers, func(h models.Header) float64 { return h.BeamColErr }))
	aiErrs := sanitizedOrFallback(headersField(headers, func(h models.Header) float64 { return h.AbsIntFactorErr }))

	var exposureCount int
	for i, h := range headers {
		distance.Add(h.Distance, distErrs[i])
		wavelength.Add(h.Wavelength, wlErrs[i])
		pixelSize.Add(h.PixelSize, pxErrs[i])
		beamRow.Add(h.BeamRow, brErrs[i])
		beamCol.Add(h.BeamCol, bcErrs[i])
		absInt.Add(h.AbsIntFactor, aiErrs[i])
		exposureCount += h.ExposureCount

		if h.StartDate.Before(out.StartDate) || out.StartDate.IsZero() {
			out.StartDate = h.StartDate
		}
		if h.EndDate.After(out.EndDate) {
			out.EndDate = h.EndDate
		}
	}

	out.Distance, out.DistanceErr = distance.Result()
	out.Wavelength, out.WavelengthErr = wavelength.Result()
	out.PixelSize, out.PixelSizeErr = pixelSize.Result()
	out.BeamRow, out.BeamRowErr = beamRow.Result()
	out.BeamCol, out.BeamColErr = beamCol.Result()
	out.AbsIntFactor, out.AbsIntFactorErr = absInt.Result()
	out.ExposureCount = exposureCount
	return out
}

func headersField(headers []models.Header, f func(models.Header) float64) []float64 {
	out := make([]float64, len(headers))
	for i, h := range headers {
		out[i] = f(h)
	}
	return out
}

func sanitizedOrFallback(xs []float64) []float64 {
	return SanitizeUncertainties(xs)
}
