package reduction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"saxsctl/engine/models"
)

// TestDetectOutliersScenarioS4 mirrors the documented IQR scenario: N=10
// scores [1,1,...,1,100], threshold 1.5. Q1=Q3=1, IQR=0, so the acceptance
// interval collapses to {1}; only the trailing 100 is an outlier.
func TestDetectOutliersScenarioS4(t *testing.T) {
	scores := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 100}
	fsns := make([]int64, len(scores))
	for i := range fsns {
		fsns[i] = int64(i + 1)
	}
	test := DetectOutliers(scores, fsns, models.OutlierIQR, 1.5, nil)
	for i := 0; i < 9; i++ {
		assert.False(t, test.IsOutlier[i], "index %d should be accepted", i)
	}
	assert.True(t, test.IsOutlier[9])
}

func TestDetectOutliersHonorsExistingBadFSN(t *testing.T) {
	scores := []float64{1, 1, 1}
	fsns := []int64{10, 20, 30}
	bad := map[int64]bool{20: true}
	test := DetectOutliers(scores, fsns, models.OutlierZScore, 2, bad)
	assert.True(t, test.IsOutlier[1])
	assert.False(t, test.IsOutlier[0])
	assert.False(t, test.IsOutlier[2])
}

func TestUnionBadFSNs(t *testing.T) {
	existing := map[int64]bool{1: true}
	test := models.OutlierTest{
		FSN:       []int64{1, 2, 3},
		IsOutlier: []bool{false, true, false},
	}
	union := UnionBadFSNs(existing, test)
	assert.True(t, union[1])
	assert.True(t, union[2])
	assert.False(t, union[3])
}

func TestGoodFSNs(t *testing.T) {
	test := models.OutlierTest{
		FSN:       []int64{1, 2, 3},
		IsOutlier: []bool{false, true, false},
	}
	good := GoodFSNs(test)
	assert.Equal(t, []int64{1, 3}, good)
}

func TestCorrelationMatrixSymmetric(t *testing.T) {
	a := sampleCurve([]float64{0.1, 0.2}, []float64{1, 1}, []float64{0.1, 0.1})
	b := sampleCurve([]float64{0.1, 0.2}, []float64{1, 1}, []float64{0.1, 0.1})
	c := sampleCurve([]float64{0.1, 0.2}, []float64{5, 5}, []float64{0.1, 0.1})
	m := CorrelationMatrix([]models.Curve{a, b, c})
	assert.Equal(t, m[0][1], m[1][0])
	assert.Equal(t, 0.0, m[0][1])
	assert.Greater(t, m[0][2], 0.0)
}

// TestRunOutlierTestFlagsDeviantCurve drives the full pipeline path: the
// diagonal scores (mean discrepancy of each curve against the rest) must
// single out the one curve that disagrees with an otherwise tight set.
func TestRunOutlierTestFlagsDeviantCurve(t *testing.T) {
	q := []float64{0.1, 0.2, 0.3}
	var curves []models.Curve
	var fsns []int64
	for i := 0; i < 9; i++ {
		curves = append(curves, sampleCurve(q, []float64{10, 9, 8}, []float64{0.1, 0.1, 0.1}))
		fsns = append(fsns, int64(i+1))
	}
	curves = append(curves, sampleCurve(q, []float64{50, 45, 40}, []float64{0.1, 0.1, 0.1}))
	fsns = append(fsns, 10)

	test := RunOutlierTest(curves, fsns, models.OutlierIQR, 1.5, nil)
	for i := 0; i < 9; i++ {
		assert.False(t, test.IsOutlier[i], "curve %d should be accepted", i)
	}
	assert.True(t, test.IsOutlier[9])
	assert.Greater(t, test.Correlation[9][9], test.Correlation[0][0])
}
