package reduction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/telemetry/tracing"
	"saxsctl/engine/models"
)

var tracer tracing.Tracer = tracing.NewTracer(false)

// SetTracer installs t as the tracer every subsequent Job.Run wraps its
// worker execution in (SPEC_FULL.md's OTel wiring: "ReductionPipeline jobs
// emit spans"). Passing nil is a no-op; the package defaults to a no-op
// tracer until SetTracer installs an active one (the Instrument does not).
func SetTracer(t tracing.Tracer) {
	if t != nil {
		tracer = t
	}
}

// Result is the one-shot outcome of a Job, delivered on its dedicated
// results channel as spec.md's Pipeline Job calls for.
type Result struct {
	JobID uuid.UUID
	Curve models.Curve
	Test  models.OutlierTest
	Err   error
}

// Worker is the function a Job runs: given a cancellable context and a
// progress sink, it computes whatever the job's Params describe (averaging,
// outlier testing, subtraction, merging) and returns a Result. A Worker must
// check ctx between expensive steps and, once it is cancelled, promptly
// return CancelledResult's UserStopException result (spec.md: "the worker checks this flag at every progress
// update and raises UserStopException").
type Worker func(ctx context.Context, progress chan<- models.JobProgress) Result

// Job is a one-shot Pipeline Job: an identifier, the set of input fsns and
// parameters it was given (opaque to Job itself, owned by the Worker
// closure), and a result slot filled exactly once.
type Job struct {
	ID   uuid.UUID
	FSNs []int64

	progress chan models.JobProgress
	done     chan struct{}

	mu     sync.Mutex
	status models.JobStatus
	result Result

	cancel context.CancelFunc
}

// NewJob allocates a Job with a fresh UUID, per spec.md's Pipeline Job
// identifier requirement.
func NewJob(fsns []int64) *Job {
	return &Job{
		ID:       uuid.New(),
		FSNs:     append([]int64(nil), fsns...),
		progress: make(chan models.JobProgress, 16),
		done:     make(chan struct{}),
		status:   models.JobPending,
	}
}

// Progress returns the Job's progress channel. It is closed when the Job
// finishes, after the final Result has been recorded.
func (j *Job) Progress() <-chan models.JobProgress { return j.progress }

// Status reports the Job's current lifecycle state.
func (j *Job) Status() models.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Run starts w on a background goroutine and returns immediately; the
// caller drains Progress() and then reads Result(), or blocks on Wait.
// Run may be called at most once per Job.
func (j *Job) Run(ctx context.Context, w Worker) {
	runCtx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.status = models.JobRunning
	j.mu.Unlock()

	go func() {
		defer close(j.progress)
		defer close(j.done)
		defer cancel()

		spanCtx, span := tracer.StartSpan(runCtx, "reduction.job")
		span.SetAttribute("job_id", j.ID.String())
		result := w(spanCtx, j.progress)
		span.End()
		result.JobID = j.ID

		j.mu.Lock()
		j.result = result
		switch {
		case result.Err == nil:
			j.status = models.JobSucceeded
		case runCtx.Err() != nil:
			j.status = models.JobCancelled
		default:
			j.status = models.JobFailed
		}
		j.mu.Unlock()
	}()
}

// Cancel sets the Job's kill flag (spec.md: "cancelled by setting its kill
// event"); the running Worker observes this through context cancellation
// and must return a UserStopException result.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the Job has finished (successfully, with an error, or
// cancelled) and returns its Result.
func (j *Job) Wait() Result {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// WaitTimeout blocks until the Job finishes or timeout elapses, reporting
// whether it finished in time.
func (j *Job) WaitTimeout(timeout time.Duration) (Result, bool) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, true
	case <-time.After(timeout):
		return Result{}, false
	}
}

// CancelledResult builds the Result a Worker should return once it observes
// ctx cancellation mid-computation, carrying the UserStopException kind
// spec.md names for this path.
func CancelledResult(partial models.Curve) Result {
	return Result{
		Curve: partial,
		Err:   errorkit.New(errorkit.UserStopException, "job cancelled by caller"),
	}
}

// ReportProgress sends a progress update, dropping it rather than blocking
// if the channel is full (a slow consumer must not stall the worker) or if
// ctx has already been cancelled.
func ReportProgress(ctx context.Context, progress chan<- models.JobProgress, percent float64, text string) {
	select {
	case <-ctx.Done():
	case progress <- models.JobProgress{Kind: "progress", Percent: percent, Text: text}:
	default:
	}
}

// ReportError sends an error-kind progress update, best-effort.
func ReportError(ctx context.Context, progress chan<- models.JobProgress, err error) {
	select {
	case <-ctx.Done():
	case progress <- models.JobProgress{Kind: "error", Err: err}:
	default:
	}
}
