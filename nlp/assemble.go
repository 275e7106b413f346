package nlp

import (
	"fmt"
	"math"

	"github.com/mcx/do-mpc/collocation"
	"github.com/mcx/do-mpc/model"
	"github.com/mcx/do-mpc/scenario"
)

// StageCost is the running cost l(x, u, z, tvp, p), evaluated on physical
// (unscaled) values at each node of the tree.
type StageCost func(x, u, z, tvp, p []float64) float64

// TerminalCost is the end-of-horizon cost m(x, tvp, p).
type TerminalCost func(x, tvp, p []float64) float64

// PathConstraint is a named inequality g(x, u, z, tvp, p) <= Upper enforced
// along the horizon. Soft constraints are relaxed by a slack variable per
// row: g - eps <= Upper with 0 <= eps <= MaxViolation, and the quadratic
// slack cost Penalty * eps^2 added to the objective.
type PathConstraint struct {
	Name string
	Dim  int
	Fun  func(x, u, z, tvp, p, dst []float64)

	Upper []float64

	Soft         bool
	Penalty      float64
	MaxViolation float64
}

// Costs bundles the objective terms.
type Costs struct {
	Stage    StageCost
	Terminal TerminalCost
	// RTerm holds per-input rate-penalty weights applied to squared
	// differences of consecutive (scaled) inputs along each scenario path.
	// Nil means no rate penalty.
	RTerm []float64
}

// Scaling holds strictly positive per-variable factors. Decision variables
// are stored and optimized in scaled units.
type Scaling struct {
	X, U, Z []float64
}

// Validate checks positivity and lengths against the model.
func (sc Scaling) Validate(m *model.Model) error {
	for name, pair := range map[string]struct {
		got  []float64
		want int
	}{
		"state":     {sc.X, m.NX()},
		"input":     {sc.U, m.NU()},
		"algebraic": {sc.Z, m.NZ()},
	} {
		if len(pair.got) != pair.want {
			return fmt.Errorf("nlp: %s scaling has %d entries, want %d", name, len(pair.got), pair.want)
		}
		for i, v := range pair.got {
			if !(v > 0) {
				return fmt.Errorf("%w: %s[%d] = %v", ErrScaling, name, i, v)
			}
		}
	}
	return nil
}

// Unit returns all-ones scaling for the model.
func Unit(m *model.Model) Scaling {
	return Scaling{X: ones(m.NX()), U: ones(m.NU()), Z: ones(m.NZ())}
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// AssembleConfig selects the structural options of the program.
type AssembleConfig struct {
	OpenLoop bool
	// SingleSlack shares one slack block across the whole horizon instead
	// of one per stage.
	SingleSlack bool
	// NLCheckCollocPoints enforces path constraints at every collocation
	// point instead of once per interval boundary. Density only; the
	// constraint semantics are unchanged.
	NLCheckCollocPoints bool
	// NComb is the number of uncertain-parameter combinations supplied in
	// the parameter vector.
	NComb int
}

// branchRec is one (stage, scenario, branch) visit of the assembly walk,
// precomputed so that objective and constraint evaluation run over a flat
// list in fixed stage-major, scenario-minor order.
type branchRec struct {
	k, s, b  int
	su       int // input scenario at stage k
	parentSU int // input scenario at stage k-1 (unused at k = 0)
	child    int // scenario index at stage k+1
	comb     int // index into the combination table
	omega    float64
}

type assembler struct {
	m      *model.Model
	tree   *scenario.Tree
	disc   *collocation.Discretizer
	layout *Layout
	costs  Costs
	cons   []PathConstraint
	scale  Scaling
	cfg    AssembleConfig

	recs   []branchRec
	epsIdx []int // slack offset within the eps block per constraint, -1 for hard
	nSlack int
	nRes   int

	// scratch
	xb, xb2, ub, zb []float64
	resBuf, xfBuf   []float64
	nlBuf           []float64
}

// Assemble walks stages x scenarios x branches and builds the complete
// nonlinear program: initial-condition equality, collocation and continuity
// defects, path inequalities, and the tree-weighted objective with slack
// and rate-penalty terms. Constraint bounds are emitted 1:1 with rows;
// decision-variable bounds are filled separately by PropagateBounds.
func Assemble(m *model.Model, tree *scenario.Tree, disc *collocation.Discretizer,
	costs Costs, cons []PathConstraint, scale Scaling, cfg AssembleConfig) (*Problem, error) {

	if costs.Stage == nil || costs.Terminal == nil {
		return nil, ErrMissingObjective
	}
	if tree == nil || tree.Horizon < 1 || tree.MaxScenarios() < 1 {
		return nil, ErrNoScenarios
	}
	if err := scale.Validate(m); err != nil {
		return nil, err
	}
	if costs.RTerm != nil && len(costs.RTerm) != m.NU() {
		return nil, fmt.Errorf("nlp: rate-penalty weights have %d entries, want %d", len(costs.RTerm), m.NU())
	}
	if cfg.NComb < 1 {
		return nil, fmt.Errorf("nlp: combination count must be at least 1, have %d", cfg.NComb)
	}
	if need := tree.NCombinations; cfg.NComb < need {
		return nil, fmt.Errorf("nlp: tree branches over %d combinations but only %d supplied", need, cfg.NComb)
	}

	a := &assembler{
		m: m, tree: tree, disc: disc, costs: costs, cons: cons, scale: scale, cfg: cfg,
	}
	if err := a.checkConstraints(); err != nil {
		return nil, err
	}

	a.layout = NewLayout(tree, LayoutConfig{
		NX: m.NX(), NU: m.NU(), NZ: m.NZ(),
		NP: m.NP(), NTVP: m.NTVP(), NComb: cfg.NComb,
		CollocPoints: disc.NumCollocPoints(),
		OpenLoop:     cfg.OpenLoop,
		SingleSlack:  cfg.SingleSlack,
		NSlack:       a.nSlack,
	})
	a.buildRecords()
	a.nRes = disc.NumResiduals()

	nx := m.NX()
	a.xb = make([]float64, nx)
	a.xb2 = make([]float64, nx)
	a.ub = make([]float64, m.NU())
	a.zb = make([]float64, m.NZ())
	a.resBuf = make([]float64, a.nRes)
	a.xfBuf = make([]float64, nx)
	maxDim := 0
	for _, c := range cons {
		if c.Dim > maxDim {
			maxDim = c.Dim
		}
	}
	a.nlBuf = make([]float64, maxDim)

	lbg, ubg := a.constraintBounds()
	prob := &Problem{
		NumVar:      a.layout.NumVar,
		NumPar:      a.layout.NumPar,
		NumCons:     len(lbg),
		Objective:   a.objective,
		Constraints: a.constraints,
		LBG:         lbg,
		UBG:         ubg,
		Layout:      a.layout,
	}
	return prob, nil
}

func (a *assembler) checkConstraints() error {
	a.epsIdx = make([]int, len(a.cons))
	for i := range a.cons {
		c := &a.cons[i]
		if c.Dim < 1 || c.Fun == nil {
			return fmt.Errorf("nlp: path constraint %q is incomplete", c.Name)
		}
		if len(c.Upper) != c.Dim {
			return fmt.Errorf("nlp: path constraint %q: %d upper bounds for dimension %d", c.Name, len(c.Upper), c.Dim)
		}
		a.epsIdx[i] = -1
		if c.Soft {
			a.epsIdx[i] = a.nSlack
			a.nSlack += c.Dim
		}
	}
	return nil
}

func (a *assembler) buildRecords() {
	t := a.tree
	for k := 0; k < t.Horizon; k++ {
		omega := 1.0 / float64(t.NScenarios[k+1])
		for s := 0; s < t.NScenarios[k]; s++ {
			su := s
			if a.cfg.OpenLoop {
				su = 0
			}
			parentSU := 0
			if k > 0 && !a.cfg.OpenLoop {
				parentSU = t.Parent[k][su]
			}
			for b := 0; b < t.NBranches[k]; b++ {
				a.recs = append(a.recs, branchRec{
					k: k, s: s, b: b,
					su:       su,
					parentSU: parentSU,
					child:    t.Child[k][s][b],
					comb:     t.BranchOffset[k][s] + b,
					omega:    omega,
				})
			}
		}
	}
}

// checkPoints lists the state slots of node (k, s) at which path
// constraints and boundary-density bounds are enforced. Stage 0 carries
// only the boundary state, so density collapses there.
func (a *assembler) checkPoints(k int) []int {
	ncp := a.layout.Cfg.CollocPoints
	if k == 0 || ncp == 0 || !a.cfg.NLCheckCollocPoints {
		return []int{a.layout.NumPoints(k) - 1}
	}
	pts := make([]int, ncp)
	for i := range pts {
		pts[i] = i
	}
	return pts
}

// zSlotFor pairs a state check slot with its algebraic slot: boundary
// checks read the first algebraic slot, collocation-point checks the
// parallel one.
func (a *assembler) zSlotFor(k, pt int) int {
	if pt == a.layout.NumPoints(k)-1 {
		return 0
	}
	return pt
}

func (a *assembler) constraintBounds() (lbg, ubg []float64) {
	nx := a.m.NX()
	// Initial-condition equality.
	lbg = appendN(lbg, 0, nx)
	ubg = appendN(ubg, 0, nx)
	for _, r := range a.recs {
		lbg = appendN(lbg, 0, a.nRes+nx)
		ubg = appendN(ubg, 0, a.nRes+nx)
		for range a.checkPoints(r.k) {
			for _, c := range a.cons {
				lbg = appendN(lbg, math.Inf(-1), c.Dim)
				ubg = append(ubg, c.Upper...)
			}
		}
	}
	return lbg, ubg
}

func appendN(dst []float64, v float64, n int) []float64 {
	for i := 0; i < n; i++ {
		dst = append(dst, v)
	}
	return dst
}

func (a *assembler) constraints(x, p, dst []float64) {
	l := a.layout
	nx := a.m.NX()
	nz := a.m.NZ()
	ncp := l.Cfg.CollocPoints

	// Root boundary state pinned to the scaled initial state.
	ci := 0
	for q := 0; q < nx; q++ {
		dst[q] = x[l.X(0, 0, 0)+q] - p[l.PX0()+q]/a.scale.X[q]
	}
	ci = nx

	for ri := range a.recs {
		r := &a.recs[ri]
		tvp := p[l.PTVP(r.k) : l.PTVP(r.k)+l.Cfg.NTVP]
		comb := p[l.PComb(r.comb) : l.PComb(r.comb)+l.Cfg.NP]

		x0 := x[l.XBoundary(r.k, r.s) : l.XBoundary(r.k, r.s)+nx]
		var collocX []float64
		if ncp > 0 {
			off := l.X(r.k+1, r.child, 0)
			collocX = x[off : off+ncp*nx]
		}
		u := x[l.U(r.k, r.su) : l.U(r.k, r.su)+l.Cfg.NU]
		var collocZ []float64
		if nz > 0 {
			off := l.Z(r.k, r.child, 0)
			collocZ = x[off : off+l.ZSlots()*nz]
		}

		a.disc.Eval(x0, collocX, u, collocZ, tvp, comb, nil, a.resBuf, a.xfBuf)
		copy(dst[ci:ci+a.nRes], a.resBuf)
		ci += a.nRes

		// Continuity defect: predicted interval end equals the child's
		// declared boundary state.
		childOff := l.XBoundary(r.k+1, r.child)
		for q := 0; q < nx; q++ {
			dst[ci+q] = a.xfBuf[q] - x[childOff+q]
		}
		ci += nx

		if len(a.cons) == 0 {
			continue
		}
		a.unscaleU(x, r.k, r.su)
		for _, pt := range a.checkPoints(r.k) {
			a.unscaleX(x, r.k, r.s, pt, a.xb)
			a.unscaleZ(x, r.k, r.s, a.zSlotFor(r.k, pt))
			for i := range a.cons {
				c := &a.cons[i]
				c.Fun(a.xb, a.ub, a.zb, tvp, comb, a.nlBuf)
				for q := 0; q < c.Dim; q++ {
					v := a.nlBuf[q]
					if a.epsIdx[i] >= 0 {
						v -= x[l.Eps(r.k, r.s)+a.epsIdx[i]+q]
					}
					dst[ci] = v
					ci++
				}
			}
		}
	}
}

func (a *assembler) objective(x, p []float64) float64 {
	l := a.layout
	t := a.tree
	n := t.Horizon
	total := 0.0

	for ri := range a.recs {
		r := &a.recs[ri]
		tvp := p[l.PTVP(r.k) : l.PTVP(r.k)+l.Cfg.NTVP]
		comb := p[l.PComb(r.comb) : l.PComb(r.comb)+l.Cfg.NP]

		a.unscaleX(x, r.k, r.s, l.NumPoints(r.k)-1, a.xb)
		a.unscaleU(x, r.k, r.su)
		a.unscaleZ(x, r.k, r.s, l.ZSlots()-1)
		total += r.omega * a.costs.Stage(a.xb, a.ub, a.zb, tvp, comb)

		// Quadratic slack cost.
		if a.nSlack > 0 {
			eps := x[l.Eps(r.k, r.s) : l.Eps(r.k, r.s)+a.nSlack]
			for i := range a.cons {
				if a.epsIdx[i] < 0 {
					continue
				}
				c := &a.cons[i]
				for q := 0; q < c.Dim; q++ {
					e := eps[a.epsIdx[i]+q]
					total += c.Penalty * e * e
				}
			}
		}

		if r.k == n-1 {
			tvpN := p[l.PTVP(n) : l.PTVP(n)+l.Cfg.NTVP]
			a.unscaleX(x, n, r.child, l.NumPoints(n)-1, a.xb2)
			total += r.omega * a.costs.Terminal(a.xb2, tvpN, comb)
		}

		// Rate penalty on scaled input differences, always measured
		// against the parent node's input so decisions never anticipate
		// unrealized branches.
		if a.costs.RTerm != nil {
			uOff := l.U(r.k, r.su)
			if r.k == 0 {
				for i, w := range a.costs.RTerm {
					d := x[uOff+i] - p[l.PUPrev()+i]/a.scale.U[i]
					total += w * d * d
				}
			} else {
				prevOff := l.U(r.k-1, r.parentSU)
				for i, w := range a.costs.RTerm {
					d := x[uOff+i] - x[prevOff+i]
					total += w * d * d
				}
			}
		}
	}
	return total
}

func (a *assembler) unscaleX(x []float64, k, s, pt int, dst []float64) {
	off := a.layout.X(k, s, pt)
	for q := range dst {
		dst[q] = x[off+q] * a.scale.X[q]
	}
}

func (a *assembler) unscaleU(x []float64, k, su int) {
	off := a.layout.U(k, su)
	for q := range a.ub {
		a.ub[q] = x[off+q] * a.scale.U[q]
	}
}

func (a *assembler) unscaleZ(x []float64, k, s, slot int) {
	if a.m.NZ() == 0 {
		return
	}
	off := a.layout.Z(k, s, slot)
	for q := range a.zb {
		a.zb[q] = x[off+q] * a.scale.Z[q]
	}
}
