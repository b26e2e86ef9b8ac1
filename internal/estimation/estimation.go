package estimation

import (
	"context"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Evaluation is the outcome of running the forward model for a single
// parameter vector. Err is set when this item of a batch failed while
// others may have succeeded.
type Evaluation struct {
	// Parameters is the raw parameter vector the model was evaluated at.
	Parameters []float64

	// Measurement is the model output, nil when Err is set.
	Measurement []float64

	// Tag identifies the purpose of the evaluation (e.g. "iteration",
	// "jacobian", "linesearch", "target").
	Tag string

	// Err is the per-item failure, if any.
	Err error
}

// Evaluator runs the forward model for a batch of parameter vectors.
//
// Results must be returned in the same order as the request: the i-th
// Evaluation corresponds to batch[i]. A batch either completes as a whole
// or fails as a whole; individual items report failure through
// Evaluation.Err.
type Evaluator interface {
	// Evaluate runs the model for every vector in batch. When transform is
	// true, each vector is mapped to physical space before evaluation.
	Evaluate(ctx context.Context, batch [][]float64, transform bool, tag string) ([]Evaluation, error)

	// Start acquires the resources needed for a run (e.g. simulation
	// processes). It must be called before Evaluate.
	Start(ctx context.Context) error

	// Close releases the resources acquired by Start.
	Close() error

	// Reset clears internal counters and caches between independent runs.
	Reset()
}

// Recorder receives per-iteration metrics and log messages from an
// optimizer run. Implementations own their persistence format; the
// optimizer only commits immutable snapshots through this interface.
type Recorder interface {
	// AddMetric stores a named value on the in-flight iteration.
	AddMetric(name string, value interface{})

	// AddEvaluations attaches a batch of model evaluations to the
	// in-flight iteration.
	AddEvaluations(evals []Evaluation, tag string)

	// CommitIteration snapshots the in-flight iteration, appends it to the
	// history and clears the scratch state.
	CommitIteration() error

	// Log records a free-form message.
	Log(msg string)
}

// Norm maps a residual vector to a scalar magnitude.
type Norm func(v []float64) float64

// EuclideanNorm is the default residual norm.
func EuclideanNorm(v []float64) float64 {
	return floats.Norm(v, 2)
}

// RunStatus describes the state of an optimizer run.
type RunStatus int

const (
	// StatusInit is the state before the first iteration.
	StatusInit RunStatus = iota
	// StatusIterating is the state while the loop is making progress.
	StatusIterating
	// StatusConverged means the convergence criteria were met.
	StatusConverged
	// StatusFailed means the run stopped due to an unrecoverable error.
	StatusFailed
	// StatusMaxIterReached means the iteration budget was exhausted before
	// the tolerance was met.
	StatusMaxIterReached
)

// String returns a human-readable status name.
func (s RunStatus) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusIterating:
		return "iterating"
	case StatusConverged:
		return "converged"
	case StatusFailed:
		return "failed"
	case StatusMaxIterReached:
		return "max_iterations_reached"
	default:
		return "unknown"
	}
}

// IterationRecord is an immutable snapshot of one optimizer step. Records
// are created by the loop, deep-copied on commit and never mutated
// afterwards.
type IterationRecord struct {
	// Iteration is the zero-based step index.
	Iteration int

	// Parameters is the raw parameter vector at the start of the step.
	Parameters []float64

	// Measurement is the model output at Parameters.
	Measurement []float64

	// ResidualNorm is the norm of target minus Measurement.
	ResidualNorm float64

	// Jacobian is the sensitivity matrix at Parameters, nil when the step
	// failed before it was computed.
	Jacobian *mat.Dense

	// Direction is the Gauss-Newton update direction.
	Direction []float64

	// StepMultiplier is the accepted line-search multiplier.
	StepMultiplier float64

	// StandardErrors holds the per-parameter standard error estimates,
	// nil when the measurement dimension does not exceed the parameter
	// count.
	StandardErrors []float64

	// ConfidenceIntervals holds the half-widths of the per-parameter
	// confidence intervals, nil when unavailable.
	ConfidenceIntervals []float64

	// FailureReason is set on the final record of a failed run.
	FailureReason string

	// Timestamp is the commit time of the record.
	Timestamp time.Time
}

// Clone returns a deep copy of the record.
func (r IterationRecord) Clone() IterationRecord {
	c := r
	c.Parameters = append([]float64(nil), r.Parameters...)
	c.Measurement = append([]float64(nil), r.Measurement...)
	c.Direction = append([]float64(nil), r.Direction...)
	c.StandardErrors = append([]float64(nil), r.StandardErrors...)
	c.ConfidenceIntervals = append([]float64(nil), r.ConfidenceIntervals...)
	if r.Jacobian != nil {
		c.Jacobian = mat.DenseCopyOf(r.Jacobian)
	}
	return c
}

// RunResult is the inspectable outcome of an optimizer run. It is returned
// regardless of whether the run converged, failed or hit the iteration
// budget; already-committed history is never lost.
type RunResult struct {
	// Status is the terminal state of the run.
	Status RunStatus

	// Parameters is the final raw parameter vector.
	Parameters []float64

	// ResidualNorm is the residual norm at Parameters.
	ResidualNorm float64

	// Iterations is the number of committed iterations.
	Iterations int

	// History holds one record per committed iteration, in order.
	History []IterationRecord
}
