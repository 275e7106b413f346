// Package solver provides a reference NLP solver: a quadratic-penalty outer
// loop around gonum's quasi-Newton minimizer. It exists so the module can be
// exercised end to end without an external interior-point solver; production
// deployments supply their own nlp.Solver implementation.
package solver

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/mcx/do-mpc/nlp"
)

// Penalty solves bound- and equality/inequality-constrained programs by
// minimizing
//
//	f(x) + mu * ( ||viol(g)||^2 + ||viol(x)||^2 )
//
// for an increasing sequence of penalty weights mu. The zero value is ready
// to use with sensible defaults.
type Penalty struct {
	// MaxOuter outer iterations (penalty weight increases). Default 8.
	MaxOuter int
	// InitialWeight is the first penalty weight mu. Default 10.
	InitialWeight float64
	// WeightGrowth multiplies mu between outer iterations. Default 10.
	WeightGrowth float64
	// FeasTol is the maximum constraint violation accepted as solved.
	// Default 1e-6.
	FeasTol float64
	// GradTol is the inner minimizer's gradient threshold. Default 1e-8.
	GradTol float64
	// InnerIterations bounds each inner minimization. Default 200.
	InnerIterations int
}

func (p *Penalty) defaults() Penalty {
	d := *p
	if d.MaxOuter <= 0 {
		d.MaxOuter = 8
	}
	if d.InitialWeight <= 0 {
		d.InitialWeight = 10
	}
	if d.WeightGrowth <= 1 {
		d.WeightGrowth = 10
	}
	if d.FeasTol <= 0 {
		d.FeasTol = 1e-6
	}
	if d.GradTol <= 0 {
		d.GradTol = 1e-8
	}
	if d.InnerIterations <= 0 {
		d.InnerIterations = 200
	}
	return d
}

// Configure applies opaque solver options, typically from a settings file.
// Recognized keys: max_outer, inner_iterations (integers), initial_weight,
// weight_growth, feas_tol, grad_tol (numbers). Unknown keys are rejected.
func (p *Penalty) Configure(opts map[string]any) error {
	for key, raw := range opts {
		switch key {
		case "max_outer":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			p.MaxOuter = n
		case "inner_iterations":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			p.InnerIterations = n
		case "initial_weight":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			p.InitialWeight = v
		case "weight_growth":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			p.WeightGrowth = v
		case "feas_tol":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			p.FeasTol = v
		case "grad_tol":
			v, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			p.GradTol = v
		default:
			return fmt.Errorf("solver: unknown option %q", key)
		}
	}
	return nil
}

func asInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("solver: option %q: want an integer, have %T", key, v)
}

func asFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("solver: option %q: want a number, have %T", key, v)
}

// Solve implements nlp.Solver.
func (p *Penalty) Solve(prob *nlp.Problem, guess, params []float64) (*nlp.Solution, error) {
	if len(guess) != prob.NumVar {
		return nil, fmt.Errorf("solver: guess has %d entries, want %d", len(guess), prob.NumVar)
	}
	if len(params) != prob.NumPar {
		return nil, fmt.Errorf("solver: parameter vector has %d entries, want %d", len(params), prob.NumPar)
	}
	cfg := p.defaults()
	start := time.Now()

	x := make([]float64, prob.NumVar)
	copy(x, guess)
	gBuf := make([]float64, prob.NumCons)

	merit := func(mu float64) func([]float64) float64 {
		return func(v []float64) float64 {
			total := prob.Objective(v, params)
			prob.Constraints(v, params, gBuf)
			for i, g := range gBuf {
				total += mu * sq(viol(g, prob.LBG[i], prob.UBG[i]))
			}
			for i, xi := range v {
				total += mu * sq(viol(xi, lbAt(prob.LBX, i), ubAt(prob.UBX, i)))
			}
			return total
		}
	}

	mu := cfg.InitialWeight
	iters := 0
	failed := false
	for outer := 0; outer < cfg.MaxOuter; outer++ {
		fn := merit(mu)
		op := optimize.Problem{
			Func: fn,
			Grad: func(grad, v []float64) {
				fd.Gradient(grad, fn, v, &fd.Settings{Formula: fd.Central})
			},
		}
		settings := &optimize.Settings{
			MajorIterations:   cfg.InnerIterations,
			GradientThreshold: cfg.GradTol,
		}
		result, err := optimize.Minimize(op, x, settings, &optimize.LBFGS{})
		if result != nil {
			copy(x, result.X)
			iters += result.Stats.MajorIterations
		}
		if err != nil && result == nil {
			return nil, fmt.Errorf("solver: inner minimization failed: %w", err)
		}
		if err != nil {
			// Line-search breakdown near the solution is common for
			// penalty formulations; keep the best iterate.
			failed = true
		}
		if p.maxViolation(prob, x, params, gBuf) < cfg.FeasTol {
			break
		}
		mu *= cfg.WeightGrowth
	}

	status := nlp.StatusSolved
	switch {
	case p.maxViolation(prob, x, params, gBuf) >= cfg.FeasTol:
		status = nlp.StatusMaxIter
	case failed:
		status = nlp.StatusFailure
	}

	return &nlp.Solution{
		X:          x,
		LamG:       make([]float64, prob.NumCons), // penalty method: no multipliers
		Objective:  prob.Objective(x, params),
		Status:     status,
		Iterations: iters,
		WallTime:   time.Since(start),
	}, nil
}

func (p *Penalty) maxViolation(prob *nlp.Problem, x, params, gBuf []float64) float64 {
	worst := 0.0
	prob.Constraints(x, params, gBuf)
	for i, g := range gBuf {
		worst = math.Max(worst, math.Abs(viol(g, prob.LBG[i], prob.UBG[i])))
	}
	for i, xi := range x {
		worst = math.Max(worst, math.Abs(viol(xi, lbAt(prob.LBX, i), ubAt(prob.UBX, i))))
	}
	return worst
}

func viol(v, lo, hi float64) float64 {
	if v < lo {
		return lo - v
	}
	if v > hi {
		return v - hi
	}
	return 0
}

func sq(v float64) float64 { return v * v }

func lbAt(b []float64, i int) float64 {
	if b == nil {
		return math.Inf(-1)
	}
	return b[i]
}

func ubAt(b []float64, i int) float64 {
	if b == nil {
		return math.Inf(1)
	}
	return b[i]
}
