// Package linesearch chooses how far to move along a Gauss-Newton update
// direction. Candidates are evaluated in one batch so the evaluator can
// run them in parallel.
package linesearch

import (
	"context"

	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/parameters"
)

// Candidate is one evaluated step multiplier.
type Candidate struct {
	// Multiplier is the fraction of the full Newton step.
	Multiplier float64

	// Point is the candidate parameter vector after bound clipping.
	Point []float64

	// Clipped reports whether the candidate was moved onto the boundary.
	Clipped bool

	// Measurement is the model output at Point, nil when Err is set.
	Measurement []float64

	// ResidualNorm is the objective value at Point.
	ResidualNorm float64

	// Err is the per-candidate evaluation failure, if any.
	Err error
}

// Step is the accepted outcome of a line search.
type Step struct {
	// Point is the accepted parameter vector.
	Point []float64

	// Measurement is the model output at Point.
	Measurement []float64

	// ResidualNorm is the objective value at Point.
	ResidualNorm float64

	// Multiplier is the accepted step multiplier.
	Multiplier float64

	// Candidates is the full evaluated candidate set, for logging.
	Candidates []Candidate
}

// Strategy selects a step along a descent direction.
type Strategy interface {
	// ChooseStep evaluates candidate steps from x along direction and
	// returns the accepted one. currentNorm is the objective at x; a
	// strategy must never accept a candidate worse than it.
	ChooseStep(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
		x, direction, target []float64, currentNorm float64, norm estimation.Norm) (*Step, error)
}

// LinearParallel evaluates the objective at several multiples of the full
// Newton step in a single batched call and picks the best improving
// candidate. Candidates that would leave the feasible region are clipped
// to the boundary and evaluated at their clipped location.
type LinearParallel struct {
	multipliers []float64
}

// NewLinearParallel creates a linear parallel line search. Without
// arguments the multipliers default to 0.25, 0.5, 1 and 2 times the full
// Newton step.
func NewLinearParallel(multipliers ...float64) *LinearParallel {
	if len(multipliers) == 0 {
		multipliers = []float64{0.25, 0.5, 1.0, 2.0}
	}
	return &LinearParallel{multipliers: append([]float64(nil), multipliers...)}
}

// Multipliers returns the configured candidate multipliers.
func (ls *LinearParallel) Multipliers() []float64 {
	return append([]float64(nil), ls.multipliers...)
}

// ChooseStep implements Strategy. When every evaluated candidate is worse
// than the current point it returns a line-search stagnation error rather
// than degrading the point; when the whole batch fails it returns an
// evaluation error carrying the failed indices.
func (ls *LinearParallel) ChooseStep(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
	x, direction, target []float64, currentNorm float64, norm estimation.Norm) (*Step, error) {
	const op = "LinearParallel.ChooseStep"

	if len(direction) != len(x) {
		return nil, estimation.NewErrorf(estimation.KindConfiguration,
			"direction length %d does not match point length %d", len(direction), len(x)).WithOp(op)
	}
	if norm == nil {
		norm = estimation.EuclideanNorm
	}

	candidates := make([]Candidate, len(ls.multipliers))
	batch := make([][]float64, len(ls.multipliers))
	for i, mult := range ls.multipliers {
		point := make([]float64, len(x))
		for j := range x {
			point[j] = x[j] + mult*direction[j]
		}
		clipped := m.ClipVector(point)
		wasClipped := false
		for j := range point {
			if clipped[j] != point[j] {
				wasClipped = true
				break
			}
		}
		candidates[i] = Candidate{Multiplier: mult, Point: clipped, Clipped: wasClipped}
		batch[i] = clipped
	}

	evals, err := ev.Evaluate(ctx, batch, true, "linesearch")
	if err != nil {
		return nil, estimation.WrapError(err, estimation.KindEvaluation,
			"line search batch failed").WithOp(op)
	}

	best := -1
	for i := range candidates {
		if evals[i].Err != nil {
			candidates[i].Err = evals[i].Err
			continue
		}
		meas := evals[i].Measurement
		if len(meas) != len(target) {
			candidates[i].Err = estimation.NewErrorf(estimation.KindEvaluation,
				"measurement length %d does not match target length %d", len(meas), len(target))
			continue
		}
		residual := make([]float64, len(target))
		for j := range target {
			residual[j] = target[j] - meas[j]
		}
		candidates[i].Measurement = meas
		candidates[i].ResidualNorm = norm(residual)
		if best < 0 || candidates[i].ResidualNorm < candidates[best].ResidualNorm {
			best = i
		}
	}

	if best < 0 {
		return nil, estimation.WrapError(candidates[0].Err, estimation.KindEvaluation,
			"all line search candidates failed").WithOp(op).WithIndices(estimation.FailedIndices(evals)...)
	}
	if candidates[best].ResidualNorm >= currentNorm {
		return nil, estimation.NewErrorf(estimation.KindLineSearchStagnation,
			"no candidate improves residual norm %g (best candidate %g at multiplier %g)",
			currentNorm, candidates[best].ResidualNorm, candidates[best].Multiplier).WithOp(op)
	}

	accepted := candidates[best]
	return &Step{
		Point:        append([]float64(nil), accepted.Point...),
		Measurement:  append([]float64(nil), accepted.Measurement...),
		ResidualNorm: accepted.ResidualNorm,
		Multiplier:   accepted.Multiplier,
		Candidates:   candidates,
	}, nil
}
