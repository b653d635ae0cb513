package reduction

import (
	"context"
	"fmt"
	"math"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/models"
)

// ExposureLoader supplies raw exposures by file sequence number. The
// concrete store (compressed archives, pickled headers, HDF5 trees) is an
// external collaborator; the pipeline only ever sees this interface.
type ExposureLoader interface {
	Load(ctx context.Context, fsn int64) (models.Exposure, error)
}

// SummaryParams parameterizes one load-integrate-score-average pass over a
// (sample, distance) dataset.
type SummaryParams struct {
	FSNs             []int64
	BadFSNs          map[int64]bool
	OutlierMethod    models.OutlierMethod
	OutlierThreshold float64
	GridMethod       QGridMethod
	GridCount        int
	// QGrid overrides automatic grid derivation when non-empty.
	QGrid            []float64
	ErrorPropagation AverageMethod
	LogCorrelMatrix  bool
}

// Summary is the derived product of one (sample, distance) dataset: the
// averaged pattern, the two averaged curves, the outlier verdict and the
// updated bad-fsn set.
type Summary struct {
	Exposure          models.Exposure
	CurveAveraged     models.Curve
	CurveReintegrated models.Curve
	Test              models.OutlierTest
	BadFSNs           map[int64]bool
	GoodFSNs          []int64
}

// Summarize implements spec.md §4.7.1-§4.7.2 as one computation: load every
// fsn, radially average each onto a common q-grid, score them against each
// other, discard outliers (keeping the caller's pre-existing bad set bad),
// then average the surviving headers, patterns and curves. Both averaged
// curves are produced: CurveAveraged averages the per-exposure
// integrations, CurveReintegrated integrates the averaged pattern once.
func Summarize(ctx context.Context, loader ExposureLoader, params SummaryParams, progress chan<- models.JobProgress) (Summary, error) {
	if len(params.FSNs) == 0 {
		return Summary{}, errorkit.New(errorkit.BackgroundProcessError, "no file sequence numbers given")
	}

	exposures := make([]models.Exposure, 0, len(params.FSNs))
	for i, fsn := range params.FSNs {
		if err := ctx.Err(); err != nil {
			return Summary{}, errorkit.New(errorkit.UserStopException, "summary aborted while loading")
		}
		ex, err := loader.Load(ctx, fsn)
		if err != nil {
			return Summary{}, errorkit.Wrap(errorkit.BackgroundProcessError, err, "loading exposure %d", fsn)
		}
		exposures = append(exposures, ex)
		ReportProgress(ctx, progress, float64(i+1)/float64(len(params.FSNs))*0.4, fmt.Sprintf("loaded exposure %d", fsn))
	}

	grid := params.QGrid
	if len(grid) == 0 {
		grid = QGrid(exposures[0], params.GridMethod, params.GridCount)
		if len(grid) == 0 {
			return Summary{}, errorkit.New(errorkit.BackgroundProcessError, "cannot derive a q-grid: no valid pixels")
		}
	}

	curves := make([]models.Curve, len(exposures))
	for i, ex := range exposures {
		if err := ctx.Err(); err != nil {
			return Summary{}, errorkit.New(errorkit.UserStopException, "summary aborted while integrating")
		}
		c, err := RadialAverage(ex, grid, params.ErrorPropagation)
		if err != nil {
			return Summary{}, errorkit.Wrap(errorkit.BackgroundProcessError, err, "integrating exposure %d", params.FSNs[i])
		}
		curves[i] = c
		ReportProgress(ctx, progress, 0.4+float64(i+1)/float64(len(exposures))*0.3, "azimuthal integration")
	}

	scored := curves
	if params.LogCorrelMatrix {
		scored = make([]models.Curve, len(curves))
		for i, c := range curves {
			scored[i] = logCurve(c)
		}
	}
	test := RunOutlierTest(scored, params.FSNs, params.OutlierMethod, params.OutlierThreshold, params.BadFSNs)
	ReportProgress(ctx, progress, 0.75, "outlier test complete")

	var goodExposures []models.Exposure
	var goodCurves []models.Curve
	for i, bad := range test.IsOutlier {
		if !bad {
			goodExposures = append(goodExposures, exposures[i])
			goodCurves = append(goodCurves, curves[i])
		}
	}
	if len(goodExposures) == 0 {
		return Summary{}, errorkit.New(errorkit.BackgroundProcessError, "every exposure was classified as an outlier")
	}

	averaged, err := AverageExposures(goodExposures, params.ErrorPropagation)
	if err != nil {
		return Summary{}, errorkit.Wrap(errorkit.BackgroundProcessError, err, "averaging exposures")
	}
	curveAveraged, err := AverageCurves(goodCurves, params.ErrorPropagation)
	if err != nil {
		return Summary{}, errorkit.Wrap(errorkit.BackgroundProcessError, err, "averaging curves")
	}
	curveReintegrated, err := RadialAverage(averaged, grid, params.ErrorPropagation)
	if err != nil {
		return Summary{}, errorkit.Wrap(errorkit.BackgroundProcessError, err, "reintegrating averaged pattern")
	}
	ReportProgress(ctx, progress, 1.0, "summary complete")

	return Summary{
		Exposure:          averaged,
		CurveAveraged:     curveAveraged,
		CurveReintegrated: curveReintegrated,
		Test:              test,
		BadFSNs:           UnionBadFSNs(params.BadFSNs, test),
		GoodFSNs:          GoodFSNs(test),
	}, nil
}

// NewSummaryWorker adapts Summarize into a Job Worker; the Result carries
// the averaged curve and the outlier test.
func NewSummaryWorker(loader ExposureLoader, params SummaryParams) Worker {
	return func(ctx context.Context, progress chan<- models.JobProgress) Result {
		summary, err := Summarize(ctx, loader, params, progress)
		if err != nil {
			if ctx.Err() != nil {
				return CancelledResult(models.Curve{})
			}
			return Result{Err: err}
		}
		return Result{Curve: summary.CurveAveraged, Test: summary.Test}
	}
}

// logCurve maps a curve into log space for correlation scoring: intensity
// becomes log(I) with its relative uncertainty; non-positive intensities
// fall out as NaN, which pairwiseDistance skips because the difference is
// NaN.
func logCurve(c models.Curve) models.Curve {
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
		if c.Intensity[i] > 0 {
			out.Intensity[i] = math.Log(c.Intensity[i])
			out.IntensityErr[i] = c.IntensityErr[i] / c.Intensity[i]
		} else {
			out.Intensity[i] = math.NaN()
			out.IntensityErr[i] = 0
		}
	}
	return out
}
