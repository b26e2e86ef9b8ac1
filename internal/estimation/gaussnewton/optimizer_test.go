package gaussnewton

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/differencing"
	"github.com/copyleftdev/KALIBR/internal/estimation/linesearch"
	"github.com/copyleftdev/KALIBR/internal/estimation/parameters"
)

func newManager(t *testing.T, params ...parameters.Parameter) *parameters.Manager {
	t.Helper()
	m := parameters.NewManager()
	for _, p := range params {
		require.NoError(t, m.Add(p))
	}
	return m
}

func startedEvaluator(t *testing.T, model estimation.ModelFunc) *estimation.FuncEvaluator {
	t.Helper()
	ev := estimation.NewFuncEvaluator(model)
	require.NoError(t, ev.Start(context.Background()))
	t.Cleanup(func() { ev.Close() })
	return ev
}

func newOptimizer(t *testing.T, cfg Config, m *parameters.Manager) *GaussNewtonOptimizer {
	t.Helper()
	opt, err := New(cfg, m, differencing.NewForward(differencing.DefaultConfig()),
		linesearch.NewLinearParallel(), nil)
	require.NoError(t, err)
	return opt
}

// tallLinearModel is y = A x with a 3x2 matrix, so the fit is
// overdetermined and a single exact Newton step reaches any target in the
// range of A.
func tallLinearModel(x []float64) ([]float64, error) {
	return []float64{
		2.0*x[0] - 1.0*x[1],
		0.5*x[0] + 3.0*x[1],
		1.0*x[0] + 1.0*x[1],
	}, nil
}

// productModel is mildly nonlinear with a unique well-conditioned solution.
func productModel(x []float64) ([]float64, error) {
	return []float64{x[0], x[1], x[0] * x[1]}, nil
}

func TestNew(t *testing.T) {
	m := newManager(t, parameters.NewDirect("x1", 1.0, 0.0, 10.0))
	differ := differencing.NewForward(differencing.DefaultConfig())
	search := linesearch.NewLinearParallel()

	tests := []struct {
		name    string
		manager *parameters.Manager
		differ  differencing.Strategy
		search  linesearch.Strategy
		wantErr bool
	}{
		{"valid", m, differ, search, false},
		{"nil manager", nil, differ, search, true},
		{"empty manager", parameters.NewManager(), differ, search, true},
		{"nil differencing", m, nil, search, true},
		{"nil line search", m, differ, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := New(Config{}, tt.manager, tt.differ, tt.search, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, estimation.IsKind(err, estimation.KindConfiguration))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, opt)

			// Zero config fields fall back to defaults.
			assert.Equal(t, 50, opt.cfg.MaxIterations)
			assert.Equal(t, 1e-8, opt.cfg.Tolerance)
			assert.Equal(t, 0.95, opt.cfg.ConfidenceLevel)
			assert.NotNil(t, opt.cfg.Norm)
		})
	}
}

func TestRunConvergesOnLinearModel(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, -100.0, 100.0),
		parameters.NewDirect("x2", 5.0, -100.0, 100.0),
	)
	ev := startedEvaluator(t, tallLinearModel)
	opt := newOptimizer(t, DefaultConfig(), m)

	truth := []float64{2.0, 3.0}
	target, err := tallLinearModel(truth)
	require.NoError(t, err)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, estimation.StatusConverged, result.Status)
	assert.Equal(t, estimation.StatusConverged, opt.Status())
	assert.InDelta(t, truth[0], result.Parameters[0], 1e-4)
	assert.InDelta(t, truth[1], result.Parameters[1], 1e-4)
	assert.Less(t, result.ResidualNorm, 1e-6)
	// A linear model needs only a couple of Newton steps.
	assert.LessOrEqual(t, result.Iterations, 3)
	assert.NotEmpty(t, result.History)
}

func TestRunConvergesOnNonlinearModel(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)
	ev := startedEvaluator(t, productModel)
	opt := newOptimizer(t, DefaultConfig(), m)

	truth := []float64{2.0, 3.0}
	target, err := productModel(truth)
	require.NoError(t, err)

	rec := estimation.NewResult()
	result, err := opt.Run(context.Background(), ev, m.InitialValues(), target, rec)
	require.NoError(t, err)

	assert.Equal(t, estimation.StatusConverged, result.Status)
	assert.InDelta(t, truth[0], result.Parameters[0], 1e-4)
	assert.InDelta(t, truth[1], result.Parameters[1], 1e-4)
	assert.Equal(t, result.Iterations, rec.IterationCount())

	// Every committed iteration carries the core metrics.
	for i := 0; i < rec.IterationCount(); i++ {
		_, ok := rec.Metric(i, "residualnorm")
		assert.True(t, ok, "iteration %d missing residualnorm", i)
		_, ok = rec.Metric(i, "parameters")
		assert.True(t, ok, "iteration %d missing parameters", i)
	}
}

func TestRunRespectsBounds(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)

	seen := make(chan []float64, 1024)
	guarded := func(x []float64) ([]float64, error) {
		seen <- append([]float64(nil), x...)
		return productModel(x)
	}
	ev := startedEvaluator(t, guarded)
	opt := newOptimizer(t, DefaultConfig(), m)

	target, err := productModel([]float64{2.0, 3.0})
	require.NoError(t, err)

	_, err = opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.NoError(t, err)
	close(seen)

	for x := range seen {
		for i, v := range x {
			assert.GreaterOrEqual(t, v, 0.0, "parameter %d below lower bound", i)
			assert.LessOrEqual(t, v, 10.0, "parameter %d above upper bound", i)
		}
	}
}

func TestRunMaxIterationsReached(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)
	ev := startedEvaluator(t, productModel)

	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	opt := newOptimizer(t, cfg, m)

	target, err := productModel([]float64{2.0, 3.0})
	require.NoError(t, err)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindConvergence))

	// The result is still inspectable after hitting the budget.
	require.NotNil(t, result)
	assert.Equal(t, estimation.StatusMaxIterReached, result.Status)
	assert.Equal(t, 1, result.Iterations)
	assert.Less(t, result.ResidualNorm, estimation.EuclideanNorm([]float64{1.0, 2.0, 1.0}))
}

func TestRunRankDeficientJacobian(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, -10.0, 10.0),
		parameters.NewDirect("x2", 2.0, -10.0, 10.0),
	)

	// Both parameters only ever appear as their sum, so the Jacobian
	// columns are identical.
	degenerate := func(x []float64) ([]float64, error) {
		s := x[0] + x[1]
		return []float64{s, 2 * s, 3 * s}, nil
	}
	ev := startedEvaluator(t, degenerate)
	opt := newOptimizer(t, DefaultConfig(), m)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), []float64{10.0, 20.0, 30.0}, estimation.NewResult())
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindIllConditioned))

	require.NotNil(t, result)
	assert.Equal(t, estimation.StatusFailed, result.Status)
	require.NotEmpty(t, result.History)
	assert.NotEmpty(t, result.History[len(result.History)-1].FailureReason)
}

func TestRunBaselineEvaluationFailure(t *testing.T) {
	m := newManager(t, parameters.NewDirect("x1", 1.0, -10.0, 10.0))
	broken := func(x []float64) ([]float64, error) {
		return nil, fmt.Errorf("simulation crashed")
	}
	ev := startedEvaluator(t, broken)
	opt := newOptimizer(t, DefaultConfig(), m)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), []float64{1.0}, estimation.NewResult())
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindEvaluation))
	require.NotNil(t, result)
	assert.Equal(t, estimation.StatusFailed, result.Status)
}

func TestRunRetriesJacobianWithSmallerStep(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)

	// The model fails just above the start value of x2, so the first
	// forward perturbation (5e-6) fails and the halved retry (2.5e-6)
	// succeeds.
	threshold := 5.0 + 3e-6
	touchy := func(x []float64) ([]float64, error) {
		if x[1] > threshold {
			return nil, fmt.Errorf("unstable regime at %v", x)
		}
		return productModel(x)
	}
	ev := startedEvaluator(t, touchy)
	opt := newOptimizer(t, DefaultConfig(), m)

	target, err := productModel([]float64{2.0, 3.0})
	require.NoError(t, err)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.NoError(t, err)
	assert.Equal(t, estimation.StatusConverged, result.Status)
	assert.InDelta(t, 2.0, result.Parameters[0], 1e-4)
	assert.InDelta(t, 3.0, result.Parameters[1], 1e-4)
}

func TestRunExhaustsRetries(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)

	// Any perturbation of x2 fails, no matter how small.
	hostile := func(x []float64) ([]float64, error) {
		if x[1] != 5.0 {
			return nil, fmt.Errorf("unstable regime")
		}
		return productModel(x)
	}
	ev := startedEvaluator(t, hostile)
	opt := newOptimizer(t, DefaultConfig(), m)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), []float64{2.0, 3.0, 6.0}, estimation.NewResult())
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindEvaluation))
	require.NotNil(t, result)
	assert.Equal(t, estimation.StatusFailed, result.Status)
}

func TestRunAppliesParameterTransforms(t *testing.T) {
	// The parameter is optimized in raw space but the forward model must
	// only ever see the exp-transformed physical value, which is strictly
	// positive even for negative raw values.
	m := newManager(t, parameters.NewExp("rate", -1.0, -5.0, 5.0))

	model := func(p []float64) ([]float64, error) {
		if p[0] <= 0 {
			return nil, fmt.Errorf("received raw optimizer-space value %g", p[0])
		}
		return []float64{p[0]}, nil
	}
	ev := estimation.NewFuncEvaluator(model,
		estimation.WithTransform(m.Transform),
	)
	require.NoError(t, ev.Start(context.Background()))
	defer ev.Close()

	opt := newOptimizer(t, DefaultConfig(), m)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), []float64{2.0}, estimation.NewResult())
	require.NoError(t, err)
	assert.Equal(t, estimation.StatusConverged, result.Status)

	// Raw solution is ln(2); its physical image is the target.
	assert.InDelta(t, math.Log(2.0), result.Parameters[0], 1e-4)
	physical, err := m.Transform(result.Parameters)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, physical[0], 1e-4)
}

func TestRunRecordsJacobianEvaluations(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)
	ev := startedEvaluator(t, productModel)
	opt := newOptimizer(t, DefaultConfig(), m)

	target, err := productModel([]float64{2.0, 3.0})
	require.NoError(t, err)

	rec := estimation.NewResult()
	_, err = opt.Run(context.Background(), ev, m.InitialValues(), target, rec)
	require.NoError(t, err)

	// Every evaluation batch of a run ends up in the result log under its
	// tag, the perturbation batches included.
	assert.NotEmpty(t, rec.Evaluations("iteration"))
	assert.NotEmpty(t, rec.Evaluations("linesearch"))
	jacEvals := rec.Evaluations("jacobian")
	require.NotEmpty(t, jacEvals)
	// Forward differencing with a reused baseline issues one perturbation
	// per parameter per iteration.
	assert.Zero(t, len(jacEvals)%m.Count())
}

func TestRunMeasurementLengthMismatch(t *testing.T) {
	m := newManager(t, parameters.NewDirect("x1", 1.0, -10.0, 10.0))
	wide := func(x []float64) ([]float64, error) {
		return []float64{x[0], x[0]}, nil
	}
	ev := startedEvaluator(t, wide)
	opt := newOptimizer(t, DefaultConfig(), m)

	result, err := opt.Run(context.Background(), ev, m.InitialValues(), []float64{1.0}, estimation.NewResult())
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindConfiguration))

	// Even this early failure keeps the result inspectable.
	require.NotNil(t, result)
	assert.Equal(t, estimation.StatusFailed, result.Status)
	require.NotEmpty(t, result.History)
	assert.NotEmpty(t, result.History[len(result.History)-1].FailureReason)
}

func TestRunInputValidation(t *testing.T) {
	m := newManager(t, parameters.NewDirect("x1", 1.0, -10.0, 10.0))
	ev := startedEvaluator(t, func(x []float64) ([]float64, error) { return x, nil })
	opt := newOptimizer(t, DefaultConfig(), m)

	_, err := opt.Run(context.Background(), ev, []float64{1.0, 2.0}, []float64{1.0}, nil)
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindConfiguration))

	_, err = opt.Run(context.Background(), ev, []float64{1.0}, nil, nil)
	require.Error(t, err)
	assert.True(t, estimation.IsKind(err, estimation.KindConfiguration))
}

func TestRunCancelledContext(t *testing.T) {
	m := newManager(t, parameters.NewDirect("x1", 1.0, -10.0, 10.0))
	ev := startedEvaluator(t, func(x []float64) ([]float64, error) { return x, nil })
	opt := newOptimizer(t, DefaultConfig(), m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := opt.Run(ctx, ev, []float64{1.0}, []float64{2.0}, estimation.NewResult())
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, estimation.StatusFailed, result.Status)
}

func TestRunIsRepeatable(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)
	ev := startedEvaluator(t, productModel)
	opt := newOptimizer(t, DefaultConfig(), m)

	target, err := productModel([]float64{2.0, 3.0})
	require.NoError(t, err)

	first, err := opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.NoError(t, err)

	second, err := opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.NoError(t, err)

	// A rerun from the same start is independent of the previous run.
	assert.Equal(t, first.Iterations, second.Iterations)
	assert.InDelta(t, first.Parameters[0], second.Parameters[0], 1e-12)
	assert.InDelta(t, first.Parameters[1], second.Parameters[1], 1e-12)
}

func TestHistoryReturnsDeepCopies(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 1.0, 0.0, 10.0),
		parameters.NewDirect("x2", 5.0, 0.0, 10.0),
	)
	ev := startedEvaluator(t, productModel)
	opt := newOptimizer(t, DefaultConfig(), m)

	target, err := productModel([]float64{2.0, 3.0})
	require.NoError(t, err)

	_, err = opt.Run(context.Background(), ev, m.InitialValues(), target, estimation.NewResult())
	require.NoError(t, err)

	history := opt.History()
	require.NotEmpty(t, history)
	history[0].Parameters[0] = math.NaN()

	again := opt.History()
	assert.False(t, math.IsNaN(again[0].Parameters[0]))
}

func TestSolveStep(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 0.0, -10.0, 10.0),
		parameters.NewDirect("x2", 0.0, -10.0, 10.0),
	)
	opt := newOptimizer(t, DefaultConfig(), m)

	t.Run("identity jacobian", func(t *testing.T) {
		jac := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
		direction, covDiag, err := opt.solveStep(jac, []float64{3.0, 4.0})
		require.NoError(t, err)
		assert.InDelta(t, 3.0, direction[0], 1e-12)
		assert.InDelta(t, 4.0, direction[1], 1e-12)
		assert.InDelta(t, 1.0, covDiag[0], 1e-12)
		assert.InDelta(t, 1.0, covDiag[1], 1e-12)
	})

	t.Run("scaled jacobian", func(t *testing.T) {
		jac := mat.NewDense(2, 2, []float64{2, 0, 0, 4})
		direction, covDiag, err := opt.solveStep(jac, []float64{2.0, 4.0})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, direction[0], 1e-12)
		assert.InDelta(t, 1.0, direction[1], 1e-12)
		assert.InDelta(t, 0.25, covDiag[0], 1e-12)
		assert.InDelta(t, 0.0625, covDiag[1], 1e-12)
	})

	t.Run("rank deficient", func(t *testing.T) {
		jac := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
		_, _, err := opt.solveStep(jac, []float64{1.0, 1.0})
		require.Error(t, err)
		assert.True(t, estimation.IsKind(err, estimation.KindIllConditioned))
	})
}

func TestErrorEstimates(t *testing.T) {
	m := newManager(t,
		parameters.NewDirect("x1", 0.0, -10.0, 10.0),
		parameters.NewDirect("x2", 0.0, -10.0, 10.0),
	)
	opt := newOptimizer(t, DefaultConfig(), m)

	t.Run("overdetermined", func(t *testing.T) {
		// dof = 4, sigma^2 = 4/4 = 1, t-quantile(0.975, 4) = 2.776.
		errors, intervals := opt.errorEstimates(2.0, []float64{1.0, 1.0}, 6)
		require.Len(t, errors, 2)
		require.Len(t, intervals, 2)
		assert.InDelta(t, 1.0, errors[0], 1e-12)
		assert.InDelta(t, 2.776, intervals[0], 1e-2)
	})

	t.Run("no degrees of freedom", func(t *testing.T) {
		errors, intervals := opt.errorEstimates(2.0, []float64{1.0, 1.0}, 2)
		assert.Nil(t, errors)
		assert.Nil(t, intervals)
	})
}
