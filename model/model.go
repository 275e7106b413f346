// Package model describes the dynamic system handed to the MPC transcription
// layer: state, input, algebraic, parameter and time-varying-parameter
// dimensions, the right-hand-side (or difference equation), an optional
// algebraic residual and named auxiliary expressions.
//
// All evaluation callbacks work on raw float64 slices. The transcription hot
// loop calls them once per collocation point and branch, so the contract is
// allocation free: callbacks write into the provided destination slice and
// must not retain any argument.
package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Type distinguishes continuous-time ODE/DAE models from discrete-time
// difference-equation models.
type Type int

const (
	// Continuous models declare dx/dt = f(x,u,z,p,tvp). The transcription
	// layer discretizes them with orthogonal collocation.
	Continuous Type = iota
	// Discrete models declare x_next = f(x,u,z,p,tvp) directly.
	Discrete
)

func (t Type) String() string {
	switch t {
	case Continuous:
		return "continuous"
	case Discrete:
		return "discrete"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Func evaluates a vector-valued model expression into dst.
// Arguments are physical (unscaled) values and read-only.
type Func func(x, u, z, p, tvp, dst []float64)

// AuxExpr is a named scalar expression evaluated alongside the solution,
// for monitoring and result recording.
type AuxExpr struct {
	Name string
	Eval func(x, u, z, p, tvp []float64) float64
}

// Config collects everything needed to declare a model. Name slices fix the
// dimension of each variable class; a class with no names has size zero.
type Config struct {
	States    []string
	Inputs    []string
	Algebraic []string
	Params    []string
	TVParams  []string

	// RHS is dx/dt for continuous models, x_next for discrete models.
	// It must write len(States) values.
	RHS Func
	// Alg is the algebraic residual g(x,u,z,p,tvp) = 0. Required exactly
	// when Algebraic is non-empty; it must write len(Algebraic) values.
	Alg Func
	// Aux lists optional named scalar expressions.
	Aux []AuxExpr
}

// Model is an immutable description of the controlled system.
type Model struct {
	typ Type

	states, inputs, algebraic, params, tvparams []string

	rhs Func
	alg Func
	aux []AuxExpr
}

var (
	ErrNoStates = errors.New("model: at least one state is required")
	ErrNoRHS    = errors.New("model: right-hand-side function is required")
	ErrNoAlg    = errors.New("model: algebraic states declared but no algebraic residual supplied")
)

// New validates cfg and returns the model.
func New(typ Type, cfg Config) (*Model, error) {
	if len(cfg.States) == 0 {
		return nil, ErrNoStates
	}
	if cfg.RHS == nil {
		return nil, ErrNoRHS
	}
	if len(cfg.Algebraic) > 0 && cfg.Alg == nil {
		return nil, ErrNoAlg
	}
	if err := uniqueNames(cfg); err != nil {
		return nil, err
	}
	for _, a := range cfg.Aux {
		if a.Eval == nil {
			return nil, fmt.Errorf("model: aux expression %q has no evaluator", a.Name)
		}
	}
	return &Model{
		typ:       typ,
		states:    cfg.States,
		inputs:    cfg.Inputs,
		algebraic: cfg.Algebraic,
		params:    cfg.Params,
		tvparams:  cfg.TVParams,
		rhs:       cfg.RHS,
		alg:       cfg.Alg,
		aux:       cfg.Aux,
	}, nil
}

func uniqueNames(cfg Config) error {
	seen := make(map[string]string)
	for class, names := range map[string][]string{
		"state": cfg.States, "input": cfg.Inputs, "algebraic": cfg.Algebraic,
		"param": cfg.Params, "tvparam": cfg.TVParams,
	} {
		for _, n := range names {
			if n == "" {
				return fmt.Errorf("model: empty %s name", class)
			}
			if prev, ok := seen[n]; ok {
				return fmt.Errorf("model: name %q declared as both %s and %s", n, prev, class)
			}
			seen[n] = class
		}
	}
	return nil
}

func (m *Model) Type() Type { return m.typ }

func (m *Model) NX() int   { return len(m.states) }
func (m *Model) NU() int   { return len(m.inputs) }
func (m *Model) NZ() int   { return len(m.algebraic) }
func (m *Model) NP() int   { return len(m.params) }
func (m *Model) NTVP() int { return len(m.tvparams) }

func (m *Model) StateNames() []string    { return m.states }
func (m *Model) InputNames() []string    { return m.inputs }
func (m *Model) AlgNames() []string      { return m.algebraic }
func (m *Model) ParamNames() []string    { return m.params }
func (m *Model) TVParamNames() []string  { return m.tvparams }
func (m *Model) Aux() []AuxExpr          { return m.aux }

// StateIndex returns the position of the named state, or -1.
func (m *Model) StateIndex(name string) int { return index(m.states, name) }

// InputIndex returns the position of the named input, or -1.
func (m *Model) InputIndex(name string) int { return index(m.inputs, name) }

// AlgIndex returns the position of the named algebraic state, or -1.
func (m *Model) AlgIndex(name string) int { return index(m.algebraic, name) }

// ParamIndex returns the position of the named parameter, or -1.
func (m *Model) ParamIndex(name string) int { return index(m.params, name) }

func index(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// EvalRHS writes the right-hand side (or next state) into dst.
// Shapes are not re-checked here; the transcription layer validates them
// once at setup.
func (m *Model) EvalRHS(x, u, z, p, tvp, dst []float64) { m.rhs(x, u, z, p, tvp, dst) }

// EvalAlg writes the algebraic residual into dst. It is a no-op for models
// without algebraic states.
func (m *Model) EvalAlg(x, u, z, p, tvp, dst []float64) {
	if m.alg != nil {
		m.alg(x, u, z, p, tvp, dst)
	}
}

// EvalAux evaluates all auxiliary expressions into dst (len == len(Aux())).
func (m *Model) EvalAux(x, u, z, p, tvp, dst []float64) {
	for i, a := range m.aux {
		dst[i] = a.Eval(x, u, z, p, tvp)
	}
}

// LinearContinuous builds a continuous-time linear model
//
//	x'(t) = A x(t) + B u(t)
//
// with generated state and input names. It is a convenience for tests and
// simple plants; A must be square and B must have matching row count.
func LinearContinuous(A, B mat.Matrix) (*Model, error) {
	n, nc := A.Dims()
	if n != nc {
		return nil, fmt.Errorf("model: A must be square, have %dx%d", n, nc)
	}
	bn, nu := B.Dims()
	if bn != n {
		return nil, fmt.Errorf("model: B must have %d rows, have %d", n, bn)
	}
	states := make([]string, n)
	for i := range states {
		states[i] = fmt.Sprintf("x%d", i)
	}
	inputs := make([]string, nu)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("u%d", i)
	}
	rhs := func(x, u, _, _, _, dst []float64) {
		for i := 0; i < n; i++ {
			v := 0.0
			for j := 0; j < n; j++ {
				v += A.At(i, j) * x[j]
			}
			for j := 0; j < nu; j++ {
				v += B.At(i, j) * u[j]
			}
			dst[i] = v
		}
	}
	return New(Continuous, Config{States: states, Inputs: inputs, RHS: rhs})
}
