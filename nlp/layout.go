package nlp

import (
	"github.com/mcx/do-mpc/scenario"
)

// LayoutConfig fixes the shape of the decision and parameter vectors.
type LayoutConfig struct {
	NX, NU, NZ   int
	NP, NTVP     int
	NComb        int // uncertain-parameter combinations in the parameter vector
	CollocPoints int // internal collocation points per interval (0 for discrete)
	OpenLoop     bool
	SingleSlack  bool
	NSlack       int // slack dimensions per (stage, scenario) slot
}

// Layout maps (class, stage, scenario, collocation point) tuples to integer
// offsets into the flattened decision vector, and the parallel parameter
// classes to offsets into the parameter vector. All tables are computed once
// at setup; the assembly hot loop never touches string keys.
//
// Scenario axes are variable length per stage: stage k holds exactly
// tree.NScenarios[k] nodes. There are no padding slots.
//
// Decision vector classes:
//
//   - state: stage 0 carries only the boundary state; stage k >= 1 carries
//     the collocation points of the interval leading into the node followed
//     by the node's boundary state (the last point, shared with the
//     parent's prediction).
//   - algebraic: one block per interval k in [0, N) and child node, with
//     max(CollocPoints, 1) slots.
//   - input: one per (stage, scenario), or one per stage under open loop.
//   - slack: one block per stage (or a single global block) and scenario.
type Layout struct {
	Tree *scenario.Tree
	Cfg  LayoutConfig

	NumVar int
	NumPar int

	xOff   [][]int
	zOff   [][]int
	uOff   [][]int
	epsOff [][]int

	pX0, pTVP, pP, pUPrev int
}

// NewLayout computes all offset tables.
func NewLayout(tree *scenario.Tree, cfg LayoutConfig) *Layout {
	l := &Layout{Tree: tree, Cfg: cfg}
	n := tree.Horizon
	off := 0

	// States, stage major, scenario minor, collocation point innermost.
	l.xOff = make([][]int, n+1)
	for k := 0; k <= n; k++ {
		ns := tree.NScenarios[k]
		l.xOff[k] = make([]int, ns)
		for s := 0; s < ns; s++ {
			l.xOff[k][s] = off
			off += l.NumPoints(k) * cfg.NX
		}
	}

	// Algebraic states, one block per interval and child node.
	l.zOff = make([][]int, n)
	for k := 0; k < n; k++ {
		nc := tree.NScenarios[k+1]
		l.zOff[k] = make([]int, nc)
		for c := 0; c < nc; c++ {
			l.zOff[k][c] = off
			off += l.ZSlots() * cfg.NZ
		}
	}

	// Inputs.
	l.uOff = make([][]int, n)
	for k := 0; k < n; k++ {
		nu := l.NumUScen(k)
		l.uOff[k] = make([]int, nu)
		for su := 0; su < nu; su++ {
			l.uOff[k][su] = off
			off += cfg.NU
		}
	}

	// Slacks.
	l.epsOff = make([][]int, l.NumEpsStages())
	for ke := range l.epsOff {
		ns := l.EpsScen(ke)
		l.epsOff[ke] = make([]int, ns)
		for s := 0; s < ns; s++ {
			l.epsOff[ke][s] = off
			off += cfg.NSlack
		}
	}
	l.NumVar = off

	// Parameter vector: initial state, time-varying parameters per stage,
	// uncertain combinations, previous input.
	l.pX0 = 0
	l.pTVP = cfg.NX
	l.pP = l.pTVP + (n+1)*cfg.NTVP
	l.pUPrev = l.pP + cfg.NComb*cfg.NP
	l.NumPar = l.pUPrev + cfg.NU
	return l
}

// NumPoints is the number of state slots a node at stage k carries.
func (l *Layout) NumPoints(k int) int {
	if k == 0 {
		return 1
	}
	return l.Cfg.CollocPoints + 1
}

// ZSlots is the number of algebraic slots per interval block: one dummy
// slot when the model has no collocation points.
func (l *Layout) ZSlots() int {
	if l.Cfg.CollocPoints > 0 {
		return l.Cfg.CollocPoints
	}
	return 1
}

// NumUScen is the number of distinct inputs at stage k.
func (l *Layout) NumUScen(k int) int {
	if l.Cfg.OpenLoop {
		return 1
	}
	return l.Tree.NScenarios[k]
}

// NumEpsStages is 1 under single-slack granularity, else the horizon.
func (l *Layout) NumEpsStages() int {
	if l.Cfg.NSlack == 0 {
		return 0
	}
	if l.Cfg.SingleSlack {
		return 1
	}
	return l.Tree.Horizon
}

// EpsScen is the scenario width of slack block ke. The single global block
// must cover the widest stage.
func (l *Layout) EpsScen(ke int) int {
	if l.Cfg.SingleSlack {
		return l.Tree.MaxScenarios()
	}
	return l.Tree.NScenarios[ke]
}

// X returns the offset of the state at (stage, scenario, point).
func (l *Layout) X(k, s, pt int) int { return l.xOff[k][s] + pt*l.Cfg.NX }

// XBoundary returns the offset of the node's boundary state.
func (l *Layout) XBoundary(k, s int) int { return l.X(k, s, l.NumPoints(k)-1) }

// Z returns the offset of the algebraic slot pt of interval k, child node c.
func (l *Layout) Z(k, c, pt int) int { return l.zOff[k][c] + pt*l.Cfg.NZ }

// U returns the offset of the input at (stage, input scenario).
func (l *Layout) U(k, su int) int { return l.uOff[k][su] }

// Eps returns the offset of the slack block covering stage k, scenario s.
func (l *Layout) Eps(k, s int) int {
	ke := k
	if l.Cfg.SingleSlack {
		ke = 0
	}
	return l.epsOff[ke][s]
}

// Parameter vector offsets.

func (l *Layout) PX0() int        { return l.pX0 }
func (l *Layout) PTVP(k int) int  { return l.pTVP + k*l.Cfg.NTVP }
func (l *Layout) PComb(c int) int { return l.pP + c*l.Cfg.NP }
func (l *Layout) PUPrev() int     { return l.pUPrev }
