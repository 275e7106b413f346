// Package simulator steps a model forward in time, closing the loop around
// the controller in tests and examples. Continuous models are integrated
// with a fixed-step classic Runge-Kutta scheme; discrete models apply their
// difference equation directly.
package simulator

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/mcx/do-mpc/model"
)

// butcherTableau describes an explicit Runge-Kutta method.
type butcherTableau struct {
	stages  int
	nodes   []float64
	matrix  [][]float64
	weights []float64
}

// rk4 is the classic fourth-order method.
func rk4() butcherTableau {
	return butcherTableau{
		stages: 4,
		nodes:  []float64{0, 0.5, 0.5, 1},
		matrix: [][]float64{
			{},
			{0.5},
			{0, 0.5},
			{0, 0, 1},
		},
		weights: []float64{1. / 6., 1. / 3., 1. / 3., 1. / 6.},
	}
}

// Config selects the integration of one control interval.
type Config struct {
	// TStep is the control interval length.
	TStep float64
	// Substeps splits the interval for continuous models. Defaults to 1.
	Substeps int
}

var (
	ErrTStep     = errors.New("simulator: step size must be positive")
	ErrAlgebraic = errors.New("simulator: models with algebraic states are not supported")
)

// Simulator integrates one model instance. It keeps the current state and
// time between steps and is not safe for concurrent use.
type Simulator struct {
	m   *model.Model
	cfg Config
	tab butcherTableau

	t float64
	x []float64
	p []float64

	tvpFun func(t float64) []float64

	// scratch
	k    [][]float64
	xtmp []float64
	fBuf []float64
}

// New validates the configuration and returns a simulator at t = 0 with a
// zero state.
func New(m *model.Model, cfg Config) (*Simulator, error) {
	if cfg.TStep <= 0 {
		return nil, ErrTStep
	}
	if cfg.Substeps < 1 {
		cfg.Substeps = 1
	}
	if m.NZ() > 0 {
		return nil, ErrAlgebraic
	}
	s := &Simulator{
		m:    m,
		cfg:  cfg,
		tab:  rk4(),
		x:    make([]float64, m.NX()),
		p:    make([]float64, m.NP()),
		xtmp: make([]float64, m.NX()),
		fBuf: make([]float64, m.NX()),
	}
	s.k = make([][]float64, s.tab.stages)
	for i := range s.k {
		s.k[i] = make([]float64, m.NX())
	}
	return s, nil
}

// SetInitial sets the state and resets time to zero.
func (s *Simulator) SetInitial(x0 []float64) error {
	if len(x0) != s.m.NX() {
		return fmt.Errorf("simulator: initial state has %d entries, want %d", len(x0), s.m.NX())
	}
	copy(s.x, x0)
	s.t = 0
	return nil
}

// SetParams fixes the (nominal) parameter realization used for integration.
func (s *Simulator) SetParams(p []float64) error {
	if len(p) != s.m.NP() {
		return fmt.Errorf("simulator: parameter vector has %d entries, want %d", len(p), s.m.NP())
	}
	copy(s.p, p)
	return nil
}

// SetTVPFun installs the time-varying parameter source. fun must return NTVP
// values for any t.
func (s *Simulator) SetTVPFun(fun func(t float64) []float64) {
	s.tvpFun = fun
}

// X returns a copy of the current state.
func (s *Simulator) X() []float64 {
	out := make([]float64, len(s.x))
	copy(out, s.x)
	return out
}

// T is the current model time.
func (s *Simulator) T() float64 { return s.t }

// MakeStep applies the input for one control interval and returns the new
// state.
func (s *Simulator) MakeStep(u []float64) ([]float64, error) {
	if len(u) != s.m.NU() {
		return nil, fmt.Errorf("simulator: input has %d entries, want %d", len(u), s.m.NU())
	}

	if s.m.Type() == model.Discrete {
		s.m.EvalRHS(s.x, u, nil, s.p, s.tvp(s.t), s.fBuf)
		copy(s.x, s.fBuf)
	} else {
		h := s.cfg.TStep / float64(s.cfg.Substeps)
		for i := 0; i < s.cfg.Substeps; i++ {
			s.rkStep(s.t+float64(i)*h, h, u)
		}
	}
	s.t += s.cfg.TStep
	return s.X(), nil
}

func (s *Simulator) rkStep(t, h float64, u []float64) {
	for stage := 0; stage < s.tab.stages; stage++ {
		copy(s.xtmp, s.x)
		for prev, a := range s.tab.matrix[stage] {
			if a == 0 {
				continue
			}
			floats.AddScaled(s.xtmp, h*a, s.k[prev])
		}
		s.m.EvalRHS(s.xtmp, u, nil, s.p, s.tvp(t+h*s.tab.nodes[stage]), s.k[stage])
	}
	for stage, w := range s.tab.weights {
		floats.AddScaled(s.x, h*w, s.k[stage])
	}
}

func (s *Simulator) tvp(t float64) []float64 {
	if s.tvpFun == nil {
		return nil
	}
	return s.tvpFun(t)
}
