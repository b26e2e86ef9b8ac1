package main

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/KALIBR/internal/estimation"
	"github.com/copyleftdev/KALIBR/internal/estimation/parameters"
)

// ParameterSpec is one tunable parameter in a problem file.
type ParameterSpec struct {
	Name      string   `yaml:"name"`
	Start     float64  `yaml:"start"`
	Lower     *float64 `yaml:"lower,omitempty"`
	Upper     *float64 `yaml:"upper,omitempty"`
	Transform string   `yaml:"transform,omitempty"`
	Scale     float64  `yaml:"scale,omitempty"`
}

// Problem is a complete calibration problem loaded from YAML.
type Problem struct {
	Model          string          `yaml:"model"`
	Parameters     []ParameterSpec `yaml:"parameters"`
	Target         []float64       `yaml:"target,omitempty"`
	TrueParameters []float64       `yaml:"true_parameters,omitempty"`
	MaxIterations  int             `yaml:"max_iterations,omitempty"`
	Tolerance      float64         `yaml:"tolerance,omitempty"`
	Differencing   string          `yaml:"differencing,omitempty"`
	Workers        int             `yaml:"workers,omitempty"`
}

// LoadProblem reads and validates a problem file.
func LoadProblem(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading problem file: %w", err)
	}

	var p Problem
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing problem file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the problem for structural errors before any model
// evaluation happens.
func (p *Problem) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("problem: model is required")
	}
	if len(p.Parameters) == 0 {
		return fmt.Errorf("problem: at least one parameter is required")
	}
	if len(p.Target) > 0 && len(p.TrueParameters) > 0 {
		return fmt.Errorf("problem: target and true_parameters are mutually exclusive")
	}
	if len(p.Target) == 0 && len(p.TrueParameters) == 0 {
		return fmt.Errorf("problem: either target or true_parameters is required")
	}
	if len(p.TrueParameters) > 0 && len(p.TrueParameters) != len(p.Parameters) {
		return fmt.Errorf("problem: true_parameters has %d entries, want %d",
			len(p.TrueParameters), len(p.Parameters))
	}
	return nil
}

// Manager builds the parameter schema for the problem.
func (p *Problem) Manager() (*parameters.Manager, error) {
	manager := parameters.NewManager()
	for _, spec := range p.Parameters {
		lower, upper := math.Inf(-1), math.Inf(1)
		if spec.Lower != nil {
			lower = *spec.Lower
		}
		if spec.Upper != nil {
			upper = *spec.Upper
		}

		var param parameters.Parameter
		switch spec.Transform {
		case "", "direct":
			param = parameters.NewDirect(spec.Name, spec.Start, lower, upper)
		case "exp":
			param = parameters.NewExp(spec.Name, spec.Start, lower, upper)
		case "scaled":
			if spec.Scale == 0 {
				return nil, fmt.Errorf("parameter %q: scaled transform requires a non-zero scale", spec.Name)
			}
			param = parameters.NewScaled(spec.Name, spec.Start, lower, upper, spec.Scale)
		default:
			return nil, fmt.Errorf("parameter %q: unknown transform %q", spec.Name, spec.Transform)
		}
		if err := manager.Add(param); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// ResolveTarget returns the target measurement, running the model at the
// true parameters when no explicit target is given.
func (p *Problem) ResolveTarget(model estimation.ModelFunc) ([]float64, error) {
	if len(p.Target) > 0 {
		return p.Target, nil
	}
	target, err := model(p.TrueParameters)
	if err != nil {
		return nil, fmt.Errorf("synthesizing target measurement: %w", err)
	}
	return target, nil
}
