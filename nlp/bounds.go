package nlp

import (
	"fmt"
	"math"
)

// Bounds holds per-variable physical bounds. Nil slices mean unconstrained.
// Terminal bounds apply to the final boundary state only; when terminal
// bounds are enabled but a side is nil, the path bounds are used instead.
type Bounds struct {
	XLower, XUpper []float64
	ULower, UUpper []float64
	ZLower, ZUpper []float64

	TerminalLower, TerminalUpper []float64
}

// BoundConfig selects the density policy for linear variable bounds,
// independently from the nonlinear-constraint density flag.
type BoundConfig struct {
	// CheckCollocPoints bounds every collocation point of a stage when
	// true, and only the interval boundary state when false.
	CheckCollocPoints bool
	UseTerminalBounds bool
}

// PropagateBounds fills prob.LBX/UBX for the full decision vector from the
// per-variable bounds, in scaled units. It is a pure function of its
// inputs: identical configuration yields bit-identical arrays.
//
// The root boundary state is never path-bounded; the initial-condition
// equality fixes it instead.
func PropagateBounds(prob *Problem, scale Scaling, b Bounds, cons []PathConstraint, cfg BoundConfig) error {
	l := prob.Layout
	nx, nu, nz := l.Cfg.NX, l.Cfg.NU, l.Cfg.NZ

	if err := checkPairs(b, nx, nu, nz); err != nil {
		return err
	}

	lbx := make([]float64, l.NumVar)
	ubx := make([]float64, l.NumVar)
	for i := range lbx {
		lbx[i] = math.Inf(-1)
		ubx[i] = math.Inf(1)
	}

	t := l.Tree
	n := t.Horizon

	// Path bounds for the states, stages 1..N-1.
	for k := 1; k < n; k++ {
		for s := 0; s < t.NScenarios[k]; s++ {
			if cfg.CheckCollocPoints {
				for pt := 0; pt < l.NumPoints(k); pt++ {
					setScaled(lbx, ubx, l.X(k, s, pt), nx, b.XLower, b.XUpper, scale.X)
				}
			} else {
				setScaled(lbx, ubx, l.XBoundary(k, s), nx, b.XLower, b.XUpper, scale.X)
			}
		}
	}

	// Terminal bounds on the final boundary state, with fallback to the
	// path bounds when enabled but unset.
	if cfg.UseTerminalBounds {
		lo, hi := b.TerminalLower, b.TerminalUpper
		if lo == nil {
			lo = b.XLower
		}
		if hi == nil {
			hi = b.XUpper
		}
		if len(lo) > 0 || len(hi) > 0 {
			if err := orderOK("terminal state", lo, hi); err != nil {
				return err
			}
		}
		for s := 0; s < t.NScenarios[n]; s++ {
			setScaled(lbx, ubx, l.XBoundary(n, s), nx, lo, hi, scale.X)
		}
	}

	// Algebraic states.
	if nz > 0 {
		for k := 0; k < n; k++ {
			for c := 0; c < t.NScenarios[k+1]; c++ {
				if cfg.CheckCollocPoints {
					for pt := 0; pt < l.ZSlots(); pt++ {
						setScaled(lbx, ubx, l.Z(k, c, pt), nz, b.ZLower, b.ZUpper, scale.Z)
					}
				} else {
					setScaled(lbx, ubx, l.Z(k, c, 0), nz, b.ZLower, b.ZUpper, scale.Z)
				}
			}
		}
	}

	// Inputs, every stage and scenario.
	for k := 0; k < n; k++ {
		for su := 0; su < l.NumUScen(k); su++ {
			setScaled(lbx, ubx, l.U(k, su), nu, b.ULower, b.UUpper, scale.U)
		}
	}

	// Slack variables: [0, MaxViolation] in the assembler's slack order.
	if l.Cfg.NSlack > 0 {
		for ke := 0; ke < l.NumEpsStages(); ke++ {
			for s := 0; s < l.EpsScen(ke); s++ {
				off := l.epsOff[ke][s]
				idx := 0
				for _, c := range cons {
					if !c.Soft {
						continue
					}
					hi := c.MaxViolation
					if hi == 0 {
						hi = math.Inf(1)
					}
					for q := 0; q < c.Dim; q++ {
						lbx[off+idx] = 0
						ubx[off+idx] = hi
						idx++
					}
				}
			}
		}
	}

	prob.LBX = lbx
	prob.UBX = ubx
	return nil
}

func checkPairs(b Bounds, nx, nu, nz int) error {
	checks := []struct {
		name   string
		lo, hi []float64
		dim    int
	}{
		{"state", b.XLower, b.XUpper, nx},
		{"input", b.ULower, b.UUpper, nu},
		{"algebraic", b.ZLower, b.ZUpper, nz},
		{"terminal state", b.TerminalLower, b.TerminalUpper, nx},
	}
	for _, c := range checks {
		if c.lo != nil && len(c.lo) != c.dim {
			return fmt.Errorf("nlp: %s lower bounds have %d entries, want %d", c.name, len(c.lo), c.dim)
		}
		if c.hi != nil && len(c.hi) != c.dim {
			return fmt.Errorf("nlp: %s upper bounds have %d entries, want %d", c.name, len(c.hi), c.dim)
		}
		if err := orderOK(c.name, c.lo, c.hi); err != nil {
			return err
		}
	}
	return nil
}

func orderOK(name string, lo, hi []float64) error {
	if lo == nil || hi == nil {
		return nil
	}
	for i := range lo {
		if lo[i] > hi[i] {
			return fmt.Errorf("%w: %s[%d]: %v > %v", ErrBoundOrder, name, i, lo[i], hi[i])
		}
	}
	return nil
}

func setScaled(lbx, ubx []float64, off, dim int, lo, hi, scale []float64) {
	for q := 0; q < dim; q++ {
		if lo != nil {
			lbx[off+q] = lo[q] / scale[q]
		}
		if hi != nil {
			ubx[off+q] = hi[q] / scale[q]
		}
	}
}
