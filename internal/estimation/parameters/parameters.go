// Package parameters defines the parameter schema for an estimation run:
// names, bounds, start values and the transforms mapping raw
// optimizer-space values to physical ones.
package parameters

import (
	"math"

	"github.com/copyleftdev/KALIBR/internal/estimation"
)

// Transform maps a raw optimizer-space value to its physical counterpart.
// Transforms must be monotonic so bounds in raw space imply bounds in
// physical space.
type Transform interface {
	// Apply maps a raw value to physical space.
	Apply(raw float64) float64

	// Invert maps a physical value back to raw space.
	Invert(value float64) float64
}

// Direct is the identity transform.
type Direct struct{}

// Apply returns raw unchanged.
func (Direct) Apply(raw float64) float64 { return raw }

// Invert returns value unchanged.
func (Direct) Invert(value float64) float64 { return value }

// Scaled multiplies the raw value by a constant factor. Useful when
// parameters of very different magnitudes should look similar to the
// optimizer.
type Scaled struct {
	// Factor is the raw-to-physical scale, must be non-zero.
	Factor float64
}

// Apply returns raw * Factor.
func (s Scaled) Apply(raw float64) float64 { return raw * s.Factor }

// Invert returns value / Factor.
func (s Scaled) Invert(value float64) float64 { return value / s.Factor }

// Exp maps raw values through the exponential, keeping the physical value
// strictly positive while the optimizer works in unconstrained space.
type Exp struct{}

// Apply returns e^raw.
func (Exp) Apply(raw float64) float64 { return math.Exp(raw) }

// Invert returns ln(value).
func (Exp) Invert(value float64) float64 { return math.Log(value) }

// Parameter describes one entry of the parameter vector. Start, Lower and
// Upper are in raw optimizer space.
type Parameter struct {
	Name      string
	Start     float64
	Lower     float64
	Upper     float64
	Transform Transform
}

// NewDirect creates a parameter with the identity transform.
func NewDirect(name string, start, lower, upper float64) Parameter {
	return Parameter{Name: name, Start: start, Lower: lower, Upper: upper, Transform: Direct{}}
}

// NewScaled creates a parameter whose physical value is the raw value
// times factor.
func NewScaled(name string, start, lower, upper, factor float64) Parameter {
	return Parameter{Name: name, Start: start, Lower: lower, Upper: upper, Transform: Scaled{Factor: factor}}
}

// NewExp creates a parameter whose physical value is e^raw.
func NewExp(name string, start, lower, upper float64) Parameter {
	return Parameter{Name: name, Start: start, Lower: lower, Upper: upper, Transform: Exp{}}
}

// Manager owns the ordered parameter schema. The registration order
// defines the vector index: index i always corresponds to the i-th
// registered parameter, which is the contract with the Jacobian columns.
// The manager holds no mutable optimization state.
type Manager struct {
	params []Parameter
	index  map[string]int
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{index: make(map[string]int)}
}

// Add appends a parameter to the schema. It fails when the name is already
// registered, the bounds are inverted or the start value lies outside the
// bounds.
func (m *Manager) Add(p Parameter) error {
	if p.Name == "" {
		return estimation.NewError(estimation.KindConfiguration, "parameter name must not be empty").WithOp("Manager.Add")
	}
	if _, exists := m.index[p.Name]; exists {
		return estimation.NewErrorf(estimation.KindConfiguration,
			"parameter %q already registered", p.Name).WithOp("Manager.Add")
	}
	if p.Lower > p.Upper {
		return estimation.NewErrorf(estimation.KindConfiguration,
			"parameter %q has inverted bounds [%g, %g]", p.Name, p.Lower, p.Upper).WithOp("Manager.Add")
	}
	if p.Start < p.Lower || p.Start > p.Upper {
		return estimation.NewErrorf(estimation.KindConfiguration,
			"parameter %q start value %g outside bounds [%g, %g]",
			p.Name, p.Start, p.Lower, p.Upper).WithOp("Manager.Add")
	}
	if p.Transform == nil {
		p.Transform = Direct{}
	}

	m.index[p.Name] = len(m.params)
	m.params = append(m.params, p)
	return nil
}

// Count returns the number of registered parameters.
func (m *Manager) Count() int {
	return len(m.params)
}

// Names returns the parameter names in registration order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.params))
	for i, p := range m.params {
		names[i] = p.Name
	}
	return names
}

// Parameter returns the i-th registered parameter.
func (m *Manager) Parameter(i int) Parameter {
	return m.params[i]
}

// InitialValues returns the ordered raw start-value vector.
func (m *Manager) InitialValues() []float64 {
	values := make([]float64, len(m.params))
	for i, p := range m.params {
		values[i] = p.Start
	}
	return values
}

// Transform applies each parameter's transform elementwise, mapping a raw
// vector to physical space. Evaluators apply it so the forward model sees
// physical values; the optimization itself proceeds in raw space.
func (m *Manager) Transform(raw []float64) ([]float64, error) {
	if len(raw) != len(m.params) {
		return nil, estimation.NewErrorf(estimation.KindConfiguration,
			"vector length %d does not match parameter count %d",
			len(raw), len(m.params)).WithOp("Manager.Transform")
	}
	out := make([]float64, len(raw))
	for i, p := range m.params {
		out[i] = p.Transform.Apply(raw[i])
	}
	return out, nil
}

// Bounds returns the raw-space bounds of the i-th parameter.
func (m *Manager) Bounds(i int) (lower, upper float64) {
	p := m.params[i]
	return p.Lower, p.Upper
}

// Clip returns v limited to the bounds of the i-th parameter.
func (m *Manager) Clip(i int, v float64) float64 {
	p := m.params[i]
	if v < p.Lower {
		return p.Lower
	}
	if v > p.Upper {
		return p.Upper
	}
	return v
}

// ClipVector returns a copy of x with every component limited to its
// parameter's bounds.
func (m *Manager) ClipVector(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = m.Clip(i, x[i])
	}
	return out
}
