package reduction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/models"
)

func TestJobRunSucceeds(t *testing.T) {
	job := NewJob([]int64{1, 2, 3})
	require.NotEmpty(t, job.ID.String())

	job.Run(context.Background(), func(ctx context.Context, progress chan<- models.JobProgress) Result {
		ReportProgress(ctx, progress, 0.5, "halfway")
		return Result{Curve: sampleCurve([]float64{0.1}, []float64{1}, []float64{1})}
	})

	var sawProgress bool
	for p := range job.Progress() {
		if p.Kind == "progress" {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress)

	result := job.Wait()
	assert.NoError(t, result.Err)
	assert.Equal(t, models.JobSucceeded, job.Status())
	assert.Equal(t, job.ID, result.JobID)
}

func TestJobCancel(t *testing.T) {
	job := NewJob(nil)
	started := make(chan struct{})

	job.Run(context.Background(), func(ctx context.Context, progress chan<- models.JobProgress) Result {
		close(started)
		<-ctx.Done()
		return CancelledResult(models.Curve{})
	})

	<-started
	job.Cancel()

	result, ok := job.WaitTimeout(time.Second)
	require.True(t, ok)
	require.Error(t, result.Err)
	var kindErr *errorkit.Error
	require.ErrorAs(t, result.Err, &kindErr)
	assert.Equal(t, errorkit.UserStopException, kindErr.Kind)
	assert.Equal(t, models.JobCancelled, job.Status())
}

func TestJobWaitTimeoutExpires(t *testing.T) {
	job := NewJob(nil)
	job.Run(context.Background(), func(ctx context.Context, progress chan<- models.JobProgress) Result {
		time.Sleep(50 * time.Millisecond)
		return Result{}
	})
	_, ok := job.WaitTimeout(time.Millisecond)
	assert.False(t, ok)
	job.Wait()
}
