// Package gaussnewton implements the Gauss-Newton optimization loop for
// weighted least-squares parameter estimation: residual, numerically
// differenced Jacobian, SVD-based normal-equation step and a batched line
// search.
package gaussnewton

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/differencing"
	"github.com/copyleftdev/KALIBR/internal/estimation/linesearch"
	"github.com/copyleftdev/KALIBR/internal/estimation/parameters"
)

// Config contains the loop settings.
type Config struct {
	// MaxIterations bounds the number of optimizer steps.
	MaxIterations int

	// Tolerance is the relative residual-norm decrease below which the run
	// is considered converged.
	Tolerance float64

	// ResidualTolerance is the absolute residual norm below which the run
	// is considered converged.
	ResidualTolerance float64

	// MinStepNorm is the step-size norm below which the run is considered
	// converged.
	MinStepNorm float64

	// MaxRetries bounds how often a Jacobian is recomputed with a halved
	// perturbation step after a recoverable evaluation failure.
	MaxRetries int

	// RankTolerance is the relative singular-value cutoff for detecting a
	// rank-deficient Jacobian.
	RankTolerance float64

	// ConfidenceLevel is the level of the reported parameter confidence
	// intervals.
	ConfidenceLevel float64

	// Norm maps residual vectors to the scalar objective. Defaults to the
	// Euclidean norm.
	Norm estimation.Norm
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     50,
		Tolerance:         1e-8,
		ResidualTolerance: 1e-10,
		MinStepNorm:       1e-12,
		MaxRetries:        3,
		RankTolerance:     1e-12,
		ConfidenceLevel:   0.95,
		Norm:              estimation.EuclideanNorm,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.ResidualTolerance <= 0 {
		c.ResidualTolerance = d.ResidualTolerance
	}
	if c.MinStepNorm <= 0 {
		c.MinStepNorm = d.MinStepNorm
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RankTolerance <= 0 {
		c.RankTolerance = d.RankTolerance
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = d.ConfidenceLevel
	}
	if c.Norm == nil {
		c.Norm = d.Norm
	}
}

// GaussNewtonOptimizer orchestrates the estimation loop. It is
// single-threaded control logic: all concurrency lives behind the
// evaluator boundary, and the loop blocks on each batched call.
type GaussNewtonOptimizer struct {
	cfg    Config
	params *parameters.Manager
	differ differencing.Strategy
	search linesearch.Strategy
	logger *zap.Logger

	status  estimation.RunStatus
	history []estimation.IterationRecord
}

// New creates an optimizer. The differencing and line-search strategies
// are fixed at construction time.
func New(cfg Config, params *parameters.Manager, differ differencing.Strategy,
	search linesearch.Strategy, logger *zap.Logger) (*GaussNewtonOptimizer, error) {
	const op = "gaussnewton.New"

	if params == nil || params.Count() == 0 {
		return nil, estimation.NewError(estimation.KindConfiguration,
			"parameter manager must hold at least one parameter").WithOp(op)
	}
	if differ == nil {
		return nil, estimation.NewError(estimation.KindConfiguration,
			"differencing strategy is required").WithOp(op)
	}
	if search == nil {
		return nil, estimation.NewError(estimation.KindConfiguration,
			"line search strategy is required").WithOp(op)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	return &GaussNewtonOptimizer{
		cfg:    cfg,
		params: params,
		differ: differ,
		search: search,
		logger: logger.Named("gauss_newton"),
	}, nil
}

// Status returns the state of the most recent run.
func (o *GaussNewtonOptimizer) Status() estimation.RunStatus {
	return o.status
}

// History returns deep copies of the committed iteration records.
func (o *GaussNewtonOptimizer) History() []estimation.IterationRecord {
	out := make([]estimation.IterationRecord, len(o.history))
	for i, rec := range o.history {
		out[i] = rec.Clone()
	}
	return out
}

// Run executes the estimation loop from the given raw start vector toward
// the target measurement. It always returns an inspectable result;
// committed iteration history is preserved regardless of the outcome. The
// returned error is non-nil when the run did not converge.
func (o *GaussNewtonOptimizer) Run(ctx context.Context, ev estimation.Evaluator,
	start, target []float64, rec estimation.Recorder) (*estimation.RunResult, error) {
	const op = "GaussNewtonOptimizer.Run"

	if len(start) != o.params.Count() {
		return nil, estimation.NewErrorf(estimation.KindConfiguration,
			"start vector length %d does not match parameter count %d",
			len(start), o.params.Count()).WithOp(op)
	}
	if len(target) == 0 {
		return nil, estimation.NewError(estimation.KindConfiguration,
			"target measurement must not be empty").WithOp(op)
	}
	if rec == nil {
		rec = estimation.NewResult()
	}

	o.status = estimation.StatusIterating
	o.history = nil

	x := append([]float64(nil), start...)
	var baseline []float64
	finalNorm := math.Inf(1)

	o.logger.Info("starting estimation run",
		zap.Int("parameters", o.params.Count()),
		zap.Int("measurement_dim", len(target)),
		zap.Int("max_iterations", o.cfg.MaxIterations),
	)

	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return o.fail(rec, x, finalNorm, "run cancelled: "+err.Error(),
				estimation.WrapError(err, estimation.KindEvaluation, "run cancelled").WithOp(op))
		}

		// Baseline measurement, reused from the previous line search when
		// available.
		if baseline == nil {
			evals, err := ev.Evaluate(ctx, [][]float64{x}, true, "iteration")
			if err != nil {
				return o.fail(rec, x, finalNorm, "baseline evaluation failed",
					estimation.WrapError(err, estimation.KindEvaluation, "baseline evaluation failed").WithOp(op))
			}
			if evals[0].Err != nil {
				return o.fail(rec, x, finalNorm, "baseline evaluation failed",
					estimation.WrapError(evals[0].Err, estimation.KindEvaluation,
						"baseline evaluation failed").WithOp(op).WithIndices(0))
			}
			rec.AddEvaluations(evals, "iteration")
			baseline = evals[0].Measurement
		}
		if len(baseline) != len(target) {
			err := estimation.NewErrorf(estimation.KindConfiguration,
				"measurement length %d does not match target length %d",
				len(baseline), len(target)).WithOp(op)
			return o.fail(rec, x, finalNorm, err.Error(), err)
		}

		residual := make([]float64, len(target))
		for i := range target {
			residual[i] = target[i] - baseline[i]
		}
		resNorm := o.cfg.Norm(residual)
		finalNorm = resNorm

		record := estimation.IterationRecord{
			Iteration:    iter,
			Parameters:   append([]float64(nil), x...),
			Measurement:  append([]float64(nil), baseline...),
			ResidualNorm: resNorm,
		}

		if resNorm <= o.cfg.ResidualTolerance {
			o.commit(rec, &record)
			o.status = estimation.StatusConverged
			rec.Log("converged: residual norm below tolerance")
			return o.result(x, resNorm), nil
		}

		jac, err := o.computeJacobian(ctx, ev, rec, x, baseline)
		if err != nil {
			record.FailureReason = err.Error()
			o.commit(rec, &record)
			o.status = estimation.StatusFailed
			return o.resultWithErr(x, resNorm, err)
		}
		record.Jacobian = jac

		direction, covDiag, err := o.solveStep(jac, residual)
		if err != nil {
			record.FailureReason = err.Error()
			o.commit(rec, &record)
			o.status = estimation.StatusFailed
			return o.resultWithErr(x, resNorm, err)
		}
		record.Direction = direction

		step, err := o.search.ChooseStep(ctx, ev, o.params, x, direction, target, resNorm, o.cfg.Norm)
		if err != nil {
			record.FailureReason = err.Error()
			o.commit(rec, &record)
			o.status = estimation.StatusFailed
			return o.resultWithErr(x, resNorm, err)
		}
		record.StepMultiplier = step.Multiplier
		o.recordCandidates(rec, step)

		record.StandardErrors, record.ConfidenceIntervals = o.errorEstimates(resNorm, covDiag, len(target))

		stepNorm := 0.0
		for i := range x {
			d := step.Point[i] - x[i]
			stepNorm += d * d
		}
		stepNorm = math.Sqrt(stepNorm)

		o.logger.Debug("iteration complete",
			zap.Int("iteration", iter),
			zap.Float64("residual_norm", resNorm),
			zap.Float64("new_residual_norm", step.ResidualNorm),
			zap.Float64("step_multiplier", step.Multiplier),
			zap.Float64("step_norm", stepNorm),
		)

		o.commit(rec, &record)

		relDecrease := (resNorm - step.ResidualNorm) / resNorm
		x = step.Point
		baseline = step.Measurement
		finalNorm = step.ResidualNorm

		if step.ResidualNorm <= o.cfg.ResidualTolerance {
			o.status = estimation.StatusConverged
			rec.Log("converged: residual norm below tolerance")
			return o.result(x, step.ResidualNorm), nil
		}
		if relDecrease < o.cfg.Tolerance {
			o.status = estimation.StatusConverged
			rec.Log("converged: relative residual decrease below tolerance")
			return o.result(x, step.ResidualNorm), nil
		}
		if stepNorm < o.cfg.MinStepNorm {
			o.status = estimation.StatusConverged
			rec.Log("converged: step norm below tolerance")
			return o.result(x, step.ResidualNorm), nil
		}
	}

	o.status = estimation.StatusMaxIterReached
	rec.Log("stopping: iteration budget exhausted")
	return o.resultWithErr(x, finalNorm, estimation.NewErrorf(estimation.KindConvergence,
		"no convergence within %d iterations", o.cfg.MaxIterations).WithOp(op))
}

// recordingEvaluator forwards every completed batch to the recorder, so
// the result log sees the perturbation evaluations a strategy issues
// internally.
type recordingEvaluator struct {
	estimation.Evaluator
	rec estimation.Recorder
}

func (r *recordingEvaluator) Evaluate(ctx context.Context, batch [][]float64,
	transform bool, tag string) ([]estimation.Evaluation, error) {
	evals, err := r.Evaluator.Evaluate(ctx, batch, transform, tag)
	if err == nil {
		r.rec.AddEvaluations(evals, tag)
	}
	return evals, err
}

// computeJacobian invokes the differencing strategy, retrying with a
// halved perturbation step on recoverable evaluation failures.
func (o *GaussNewtonOptimizer) computeJacobian(ctx context.Context, ev estimation.Evaluator,
	rec estimation.Recorder, x, baseline []float64) (*mat.Dense, error) {
	recorded := &recordingEvaluator{Evaluator: ev, rec: rec}
	scale := 1.0
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		jac, _, err := o.differ.ComputeJacobian(ctx, recorded, o.params, x, baseline, scale)
		if err == nil {
			return jac, nil
		}
		lastErr = err
		if !estimation.IsKind(err, estimation.KindEvaluation) {
			return nil, err
		}
		scale /= 2
		rec.Log("jacobian evaluation failed, retrying with reduced step: " + err.Error())
		o.logger.Warn("jacobian evaluation failed",
			zap.Int("attempt", attempt+1),
			zap.Float64("next_step_scale", scale),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// solveStep solves the Gauss-Newton normal equations (J^T J) d = J^T r
// through the SVD of J, avoiding the conditioning loss of forming J^T J
// explicitly. It also returns the diagonal of (J^T J)^{-1} for the error
// estimates. A rank-deficient Jacobian yields an ill-conditioned error
// rather than NaNs.
func (o *GaussNewtonOptimizer) solveStep(jac *mat.Dense, residual []float64) ([]float64, []float64, error) {
	const op = "GaussNewtonOptimizer.solveStep"

	rows, cols := jac.Dims()

	var svd mat.SVD
	if !svd.Factorize(jac, mat.SVDThin) {
		return nil, nil, estimation.NewError(estimation.KindIllConditioned,
			"SVD factorization of the Jacobian failed").WithOp(op)
	}

	values := svd.Values(nil)
	if len(values) == 0 || values[0] <= 0 {
		return nil, nil, estimation.NewError(estimation.KindIllConditioned,
			"Jacobian has no positive singular values").WithOp(op)
	}

	threshold := float64(max(rows, cols)) * values[0] * o.cfg.RankTolerance
	rank := 0
	for _, s := range values {
		if s > threshold {
			rank++
		}
	}
	if rank < cols {
		return nil, nil, estimation.NewErrorf(estimation.KindIllConditioned,
			"Jacobian is rank deficient (rank %d of %d, condition %g)",
			rank, cols, values[0]/math.Max(values[len(values)-1], math.SmallestNonzeroFloat64)).WithOp(op)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// d = V S^{-1} U^T r
	utr := make([]float64, cols)
	for k := 0; k < cols; k++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += u.At(i, k) * residual[i]
		}
		utr[k] = sum / values[k]
	}

	direction := make([]float64, cols)
	covDiag := make([]float64, cols)
	for j := 0; j < cols; j++ {
		sum := 0.0
		diag := 0.0
		for k := 0; k < cols; k++ {
			vjk := v.At(j, k)
			sum += vjk * utr[k]
			diag += vjk * vjk / (values[k] * values[k])
		}
		direction[j] = sum
		covDiag[j] = diag
	}

	return direction, covDiag, nil
}

// errorEstimates computes per-parameter standard errors from the residual
// covariance estimate sigma^2 = ||r||^2 / (m - n) and the diagonal of
// (J^T J)^{-1}, plus confidence-interval half-widths from the Student's t
// quantile. Both are unavailable when the measurement dimension does not
// exceed the parameter count.
func (o *GaussNewtonOptimizer) errorEstimates(resNorm float64, covDiag []float64, m int) ([]float64, []float64) {
	n := len(covDiag)
	dof := m - n
	if dof <= 0 {
		o.logger.Debug("standard errors unavailable",
			zap.Int("measurement_dim", m),
			zap.Int("parameter_count", n),
		)
		return nil, nil
	}

	sigma2 := resNorm * resNorm / float64(dof)
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(dof)}
	quantile := dist.Quantile(1 - (1-o.cfg.ConfidenceLevel)/2)

	errors := make([]float64, n)
	intervals := make([]float64, n)
	for j := range covDiag {
		errors[j] = math.Sqrt(sigma2 * covDiag[j])
		intervals[j] = quantile * errors[j]
	}
	return errors, intervals
}

// commit stamps the working record, appends a deep copy to the history and
// pushes its metrics to the recorder.
func (o *GaussNewtonOptimizer) commit(rec estimation.Recorder, record *estimation.IterationRecord) {
	record.Timestamp = time.Now().UTC()
	o.history = append(o.history, record.Clone())

	rec.AddMetric("parameters", append([]float64(nil), record.Parameters...))
	rec.AddMetric("measurement", append([]float64(nil), record.Measurement...))
	rec.AddMetric("residualnorm", record.ResidualNorm)
	if record.Jacobian != nil {
		rec.AddMetric("jacobian", record.Jacobian)
	}
	if record.Direction != nil {
		rec.AddMetric("direction", append([]float64(nil), record.Direction...))
		rec.AddMetric("stepmultiplier", record.StepMultiplier)
	}
	if record.StandardErrors != nil {
		rec.AddMetric("errors", append([]float64(nil), record.StandardErrors...))
		rec.AddMetric("confidenceinterval", append([]float64(nil), record.ConfidenceIntervals...))
	}
	if record.FailureReason != "" {
		rec.AddMetric("failure", record.FailureReason)
	}
	if err := rec.CommitIteration(); err != nil {
		o.logger.Warn("committing iteration failed", zap.Error(err))
	}
}

func (o *GaussNewtonOptimizer) recordCandidates(rec estimation.Recorder, step *linesearch.Step) {
	evals := make([]estimation.Evaluation, len(step.Candidates))
	for i, c := range step.Candidates {
		evals[i] = estimation.Evaluation{
			Parameters:  c.Point,
			Measurement: c.Measurement,
			Tag:         "linesearch",
			Err:         c.Err,
		}
	}
	rec.AddEvaluations(evals, "linesearch")
}

// fail handles failures occurring before a working record exists for the
// current pass.
func (o *GaussNewtonOptimizer) fail(rec estimation.Recorder, x []float64, resNorm float64,
	reason string, err error) (*estimation.RunResult, error) {
	record := estimation.IterationRecord{
		Iteration:     len(o.history),
		Parameters:    append([]float64(nil), x...),
		ResidualNorm:  resNorm,
		FailureReason: reason,
	}
	o.commit(rec, &record)
	o.status = estimation.StatusFailed
	return o.resultWithErr(x, resNorm, err)
}

func (o *GaussNewtonOptimizer) result(x []float64, resNorm float64) *estimation.RunResult {
	return &estimation.RunResult{
		Status:       o.status,
		Parameters:   append([]float64(nil), x...),
		ResidualNorm: resNorm,
		Iterations:   len(o.history),
		History:      o.History(),
	}
}

func (o *GaussNewtonOptimizer) resultWithErr(x []float64, resNorm float64, err error) (*estimation.RunResult, error) {
	o.logger.Error("estimation run did not converge",
		zap.String("status", o.status.String()),
		zap.Error(err),
	)
	return o.result(x, resNorm), err
}
