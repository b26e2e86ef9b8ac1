package estimation

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LinearModel returns a forward model computing measurement = A * theta.
func LinearModel(a *mat.Dense) ModelFunc {
	rows, cols := a.Dims()
	return func(params []float64) ([]float64, error) {
		if len(params) != cols {
			return nil, NewErrorf(KindConfiguration,
				"linear model expects %d parameters, got %d", cols, len(params))
		}
		out := mat.NewVecDense(rows, nil)
		out.MulVec(a, mat.NewVecDense(cols, params))
		return out.RawVector().Data, nil
	}
}

// ExpDecayModel returns a two-parameter forward model sampling an
// exponential decay amplitude*exp(-rate*t) at the given times.
func ExpDecayModel(times []float64) ModelFunc {
	sampled := append([]float64(nil), times...)
	return func(params []float64) ([]float64, error) {
		if len(params) != 2 {
			return nil, NewErrorf(KindConfiguration,
				"exp-decay model expects 2 parameters, got %d", len(params))
		}
		amplitude, rate := params[0], params[1]
		out := make([]float64, len(sampled))
		for i, t := range sampled {
			out[i] = amplitude * math.Exp(-rate*t)
		}
		return out, nil
	}
}

// BuiltinModel looks up one of the built-in forward models by name. The
// linear model uses a fixed well-conditioned banded matrix with twice as
// many measurements as parameters; exp-decay samples 20 points and
// requires exactly two parameters.
func BuiltinModel(name string, paramCount int) (ModelFunc, error) {
	if paramCount < 1 {
		return nil, NewError(KindConfiguration, "model needs at least one parameter")
	}

	switch name {
	case "linear":
		rows := 2 * paramCount
		a := mat.NewDense(rows, paramCount, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < paramCount; j++ {
				diff := i - j
				if diff < 0 {
					diff = -diff
				}
				a.Set(i, j, 1.0/float64(1+diff))
			}
		}
		return LinearModel(a), nil
	case "exp-decay":
		if paramCount != 2 {
			return nil, NewErrorf(KindConfiguration,
				"exp-decay model expects 2 parameters, got %d", paramCount)
		}
		times := make([]float64, 20)
		for i := range times {
			times[i] = 0.25 * float64(i)
		}
		return ExpDecayModel(times), nil
	default:
		return nil, NewErrorf(KindConfiguration, "unknown model %q", name)
	}
}

// ModelNames lists the built-in forward models.
func ModelNames() []string {
	return []string{"linear", "exp-decay"}
}
