// Package differencing estimates the Jacobian (sensitivity matrix) of the
// forward model with respect to the parameters via finite differences,
// using only batched forward evaluations.
package differencing

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/parameters"
)

// Config holds the perturbation step sizing shared by all strategies.
type Config struct {
	// RelativeStep scales the perturbation with the parameter magnitude.
	RelativeStep float64

	// MinStep is the absolute floor avoiding cancellation near zero.
	MinStep float64
}

// DefaultConfig returns the default step sizing.
func DefaultConfig() Config {
	return Config{
		RelativeStep: 1e-6,
		MinStep:      1e-8,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RelativeStep <= 0 {
		c.RelativeStep = d.RelativeStep
	}
	if c.MinStep <= 0 {
		c.MinStep = d.MinStep
	}
}

// Strategy computes a Jacobian estimate at a parameter vector.
//
// The scale argument multiplies the perturbation step; the optimizer
// passes values below 1 when retrying after an evaluation failure. The
// returned measurement is the baseline f(x) when the strategy evaluated
// one, otherwise the baseline passed in.
type Strategy interface {
	ComputeJacobian(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
		x []float64, baseline []float64, scale float64) (*mat.Dense, []float64, error)
}

// Forward implements one-sided forward differencing, reusing the baseline
// evaluation provided by the caller so each Jacobian costs N evaluations
// when the baseline is shared with the iteration's residual evaluation.
type Forward struct {
	cfg Config
}

// NewForward creates a forward-differencing strategy.
func NewForward(cfg Config) *Forward {
	cfg.applyDefaults()
	return &Forward{cfg: cfg}
}

// ComputeJacobian estimates column i as (f(x+h_i e_i) - f(x)) / h_i. When
// baseline is nil the baseline evaluation is added to the same batch.
func (f *Forward) ComputeJacobian(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
	x []float64, baseline []float64, scale float64) (*mat.Dense, []float64, error) {
	return oneSided(ctx, ev, m, x, baseline, f.cfg, scale)
}

// PureForward is forward differencing that never reuses a cached baseline:
// every Jacobian issues its own N+1 evaluations. Under a noisy evaluator
// this keeps baseline noise from leaking into both the residual and the
// Jacobian.
type PureForward struct {
	cfg Config
}

// NewPureForward creates a pure forward-differencing strategy.
func NewPureForward(cfg Config) *PureForward {
	cfg.applyDefaults()
	return &PureForward{cfg: cfg}
}

// ComputeJacobian always evaluates its own baseline, ignoring the one
// passed in.
func (p *PureForward) ComputeJacobian(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
	x []float64, _ []float64, scale float64) (*mat.Dense, []float64, error) {
	return oneSided(ctx, ev, m, x, nil, p.cfg, scale)
}

// Central implements two-sided central differencing: 2N evaluations per
// Jacobian, O(h^2) accurate.
type Central struct {
	cfg Config
}

// NewCentral creates a central-differencing strategy.
func NewCentral(cfg Config) *Central {
	cfg.applyDefaults()
	return &Central{cfg: cfg}
}

// ComputeJacobian estimates column i from the evaluations at x+h_i e_i and
// x-h_i e_i. Perturbations that would leave the feasible region are
// clipped to the boundary and the column is divided by the actual
// two-sided step width.
func (c *Central) ComputeJacobian(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
	x []float64, baseline []float64, scale float64) (*mat.Dense, []float64, error) {
	const op = "Central.ComputeJacobian"

	n := m.Count()
	if err := checkInput(m, x, scale, op); err != nil {
		return nil, nil, err
	}

	// Batch layout: 2 entries per parameter, up then down.
	batch := make([][]float64, 0, 2*n)
	widths := make([]float64, n)
	for i := 0; i < n; i++ {
		h := stepSize(c.cfg, x[i]) * scale
		up := m.Clip(i, x[i]+h)
		down := m.Clip(i, x[i]-h)
		if up == down {
			return nil, nil, estimation.NewErrorf(estimation.KindConfiguration,
				"parameter %q cannot be perturbed within its bounds", m.Parameter(i).Name).WithOp(op)
		}
		widths[i] = up - down
		batch = append(batch, perturbed(x, i, up), perturbed(x, i, down))
	}

	evals, err := ev.Evaluate(ctx, batch, true, "jacobian")
	if err != nil {
		return nil, nil, estimation.WrapError(err, estimation.KindEvaluation,
			"jacobian batch failed").WithOp(op)
	}
	if err := checkFailures(evals, m, op, func(idx int) (int, string) {
		if idx%2 == 0 {
			return idx / 2, "up"
		}
		return idx / 2, "down"
	}); err != nil {
		return nil, nil, err
	}

	dim := len(evals[0].Measurement)
	jac := mat.NewDense(dim, n, nil)
	for i := 0; i < n; i++ {
		upMeas := evals[2*i].Measurement
		downMeas := evals[2*i+1].Measurement
		if len(upMeas) != dim || len(downMeas) != dim {
			return nil, nil, estimation.NewErrorf(estimation.KindEvaluation,
				"inconsistent measurement dimension for parameter %q", m.Parameter(i).Name).WithOp(op)
		}
		for row := 0; row < dim; row++ {
			jac.Set(row, i, (upMeas[row]-downMeas[row])/widths[i])
		}
	}
	return jac, baseline, nil
}

// oneSided is the shared implementation of Forward and PureForward.
func oneSided(ctx context.Context, ev estimation.Evaluator, m *parameters.Manager,
	x []float64, baseline []float64, cfg Config, scale float64) (*mat.Dense, []float64, error) {
	const op = "Forward.ComputeJacobian"

	n := m.Count()
	if err := checkInput(m, x, scale, op); err != nil {
		return nil, nil, err
	}

	// Batch layout: optional baseline first, then one entry per parameter.
	batch := make([][]float64, 0, n+1)
	offset := 0
	if baseline == nil {
		batch = append(batch, append([]float64(nil), x...))
		offset = 1
	}

	steps := make([]float64, n)
	for i := 0; i < n; i++ {
		h := stepSize(cfg, x[i]) * scale
		point := m.Clip(i, x[i]+h)
		if point == x[i] {
			// At the upper bound; perturb downward instead.
			point = m.Clip(i, x[i]-h)
		}
		if point == x[i] {
			return nil, nil, estimation.NewErrorf(estimation.KindConfiguration,
				"parameter %q cannot be perturbed within its bounds", m.Parameter(i).Name).WithOp(op)
		}
		steps[i] = point - x[i]
		batch = append(batch, perturbed(x, i, point))
	}

	evals, err := ev.Evaluate(ctx, batch, true, "jacobian")
	if err != nil {
		return nil, nil, estimation.WrapError(err, estimation.KindEvaluation,
			"jacobian batch failed").WithOp(op)
	}
	if err := checkFailures(evals, m, op, func(idx int) (int, string) {
		if idx < offset {
			return -1, "baseline"
		}
		return idx - offset, "up"
	}); err != nil {
		return nil, nil, err
	}

	if baseline == nil {
		baseline = evals[0].Measurement
	}
	dim := len(baseline)

	jac := mat.NewDense(dim, n, nil)
	for i := 0; i < n; i++ {
		meas := evals[i+offset].Measurement
		if len(meas) != dim {
			return nil, nil, estimation.NewErrorf(estimation.KindEvaluation,
				"inconsistent measurement dimension for parameter %q", m.Parameter(i).Name).WithOp(op)
		}
		for row := 0; row < dim; row++ {
			jac.Set(row, i, (meas[row]-baseline[row])/steps[i])
		}
	}
	return jac, baseline, nil
}

func checkInput(m *parameters.Manager, x []float64, scale float64, op string) error {
	if len(x) != m.Count() {
		return estimation.NewErrorf(estimation.KindConfiguration,
			"vector length %d does not match parameter count %d", len(x), m.Count()).WithOp(op)
	}
	if m.Count() == 0 {
		return estimation.NewError(estimation.KindConfiguration, "no parameters registered").WithOp(op)
	}
	if scale <= 0 || math.IsNaN(scale) {
		return estimation.NewErrorf(estimation.KindConfiguration,
			"step scale must be positive, got %g", scale).WithOp(op)
	}
	return nil
}

// checkFailures converts per-item failures into a single evaluation error
// naming the affected parameters and perturbation directions, so the
// optimizer can retry with a smaller step instead of receiving a silent
// zero column.
func checkFailures(evals []estimation.Evaluation, m *parameters.Manager, op string,
	describe func(idx int) (param int, direction string)) error {
	failed := estimation.FailedIndices(evals)
	if len(failed) == 0 {
		return nil
	}

	param, direction := describe(failed[0])
	name := "baseline"
	if param >= 0 {
		name = m.Parameter(param).Name
	}
	return estimation.WrapError(evals[failed[0]].Err, estimation.KindEvaluation,
		"perturbation of "+name+" ("+direction+") failed").WithOp(op).WithIndices(failed...)
}

func stepSize(cfg Config, value float64) float64 {
	h := cfg.RelativeStep * math.Abs(value)
	if h < cfg.MinStep {
		h = cfg.MinStep
	}
	return h
}

func perturbed(x []float64, i int, value float64) []float64 {
	point := append([]float64(nil), x...)
	point[i] = value
	return point
}
