// Package mpc implements a robust multi-stage model predictive controller:
// configuration, transcription of the dynamic optimization problem over a
// scenario tree, and the closed-loop step runtime around a pluggable NLP
// solver.
package mpc

import (
	"fmt"

	"github.com/mcx/do-mpc/collocation"
	"github.com/mcx/do-mpc/data"
	"github.com/mcx/do-mpc/logging"
	"github.com/mcx/do-mpc/model"
	"github.com/mcx/do-mpc/nlp"
	"github.com/mcx/do-mpc/scenario"
)

// Phase tracks the controller life cycle. Configuration calls are legal
// before Setup, runtime calls after.
type Phase int

const (
	PhaseConfiguring Phase = iota
	PhaseSetup
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseConfiguring:
		return "configuring"
	case PhaseSetup:
		return "setup"
	case PhaseRunning:
		return "running"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TVPFun supplies the time-varying parameters for a horizon starting at t:
// one row per stage, n_horizon+1 rows in total.
type TVPFun func(t float64) [][]float64

// PFun supplies the uncertain-parameter combination table at time t: one row
// per combination.
type PFun func(t float64) [][]float64

// Controller is the robust MPC optimizer. It is not safe for concurrent
// use; one MakeStep runs at a time by contract.
type Controller struct {
	m        *model.Model
	settings Settings
	solver   nlp.Solver

	log      logging.Logger
	recorder *data.Recorder
	metrics  *Metrics

	phase Phase

	// configuration, consumed by Setup
	costs   nlp.Costs
	cons    []nlp.PathConstraint
	bounds  nlp.Bounds
	scale   nlp.Scaling
	pValues [][]float64
	pFun    PFun
	tvpFun  TVPFun
	nComb   int

	// compiled problem
	tree *scenario.Tree
	disc *collocation.Discretizer
	prob *nlp.Problem

	// runtime state
	t0        float64
	step      int
	guess     []float64
	params    []float64
	uPrev     []float64
	guessSet  bool
	warnGuess bool
	lastSol   *nlp.Solution
}

// SolverConfigurer is implemented by solvers that accept the opaque
// solver_options map from the settings.
type SolverConfigurer interface {
	Configure(opts map[string]any) error
}

// Option configures optional collaborators of a new controller.
type Option func(*Controller)

// WithLogger replaces the default logger.
func WithLogger(l logging.Logger) Option { return func(c *Controller) { c.log = l } }

// WithRecorder attaches a trajectory recorder.
func WithRecorder(r *data.Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithMetrics attaches solve instrumentation.
func WithMetrics(m *Metrics) Option { return func(c *Controller) { c.metrics = m } }

// New returns a controller in the configuring phase. Settings are validated
// at Setup, not here, so they can still be adjusted.
func New(m *model.Model, settings Settings, solver nlp.Solver, opts ...Option) *Controller {
	c := &Controller{
		m:        m,
		settings: settings,
		solver:   solver,
		log:      logging.Default(),
		nComb:    1,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logging.String("component", "mpc"))
	return c
}

// Phase reports the life-cycle phase.
func (c *Controller) Phase() Phase { return c.phase }

// T0 is the model time of the next control step.
func (c *Controller) T0() float64 { return c.t0 }

// Problem exposes the assembled program after Setup, mainly for inspection
// and testing. Nil before Setup.
func (c *Controller) Problem() *nlp.Problem { return c.prob }

// Data returns the trajectory recorder. Setup creates one from the store
// settings unless WithRecorder supplied it.
func (c *Controller) Data() *data.Recorder { return c.recorder }

// LastSolution is the raw result of the most recent solve, or nil.
func (c *Controller) LastSolution() *nlp.Solution { return c.lastSol }

// SetObjective installs the stage and terminal cost. Both are required.
func (c *Controller) SetObjective(stage nlp.StageCost, terminal nlp.TerminalCost) error {
	if err := c.configurable("SetObjective"); err != nil {
		return err
	}
	if stage == nil || terminal == nil {
		return &ConfigError{Field: "objective", Reason: "stage and terminal cost must both be non-nil"}
	}
	c.costs.Stage = stage
	c.costs.Terminal = terminal
	return nil
}

// SetRTerm sets input-rate penalty weights by input name. Inputs not named
// keep weight zero. Negative weights are accepted; Setup warns about them.
func (c *Controller) SetRTerm(weights map[string]float64) error {
	if err := c.configurable("SetRTerm"); err != nil {
		return err
	}
	r := make([]float64, c.m.NU())
	for name, w := range weights {
		i := c.m.InputIndex(name)
		if i < 0 {
			return &ConfigError{Field: "rterm", Reason: fmt.Sprintf("unknown input %q", name)}
		}
		r[i] = w
	}
	c.costs.RTerm = r
	return nil
}

// SetStateBounds sets physical path bounds on the states. Nil sides are
// unconstrained.
func (c *Controller) SetStateBounds(lower, upper []float64) error {
	return c.setBounds("state", lower, upper, c.m.NX(), &c.bounds.XLower, &c.bounds.XUpper)
}

// SetInputBounds sets physical bounds on the inputs.
func (c *Controller) SetInputBounds(lower, upper []float64) error {
	return c.setBounds("input", lower, upper, c.m.NU(), &c.bounds.ULower, &c.bounds.UUpper)
}

// SetAlgBounds sets physical bounds on the algebraic states.
func (c *Controller) SetAlgBounds(lower, upper []float64) error {
	return c.setBounds("algebraic", lower, upper, c.m.NZ(), &c.bounds.ZLower, &c.bounds.ZUpper)
}

// SetTerminalBounds sets physical bounds on the final boundary state. They
// apply only when use_terminal_bounds is enabled; sides left nil fall back
// to the path bounds.
func (c *Controller) SetTerminalBounds(lower, upper []float64) error {
	return c.setBounds("terminal", lower, upper, c.m.NX(), &c.bounds.TerminalLower, &c.bounds.TerminalUpper)
}

func (c *Controller) setBounds(what string, lower, upper []float64, dim int, lo, hi *[]float64) error {
	if err := c.configurable("bounds"); err != nil {
		return err
	}
	if lower != nil && len(lower) != dim {
		return &ShapeError{What: what + " lower bounds", Want: dim, Got: len(lower)}
	}
	if upper != nil && len(upper) != dim {
		return &ShapeError{What: what + " upper bounds", Want: dim, Got: len(upper)}
	}
	*lo = cloneOrNil(lower)
	*hi = cloneOrNil(upper)
	return nil
}

// SetStateScaling sets strictly positive per-state scaling factors.
func (c *Controller) SetStateScaling(scale []float64) error {
	return c.setScale("state", scale, c.m.NX(), &c.scale.X)
}

// SetInputScaling sets strictly positive per-input scaling factors.
func (c *Controller) SetInputScaling(scale []float64) error {
	return c.setScale("input", scale, c.m.NU(), &c.scale.U)
}

// SetAlgScaling sets strictly positive per-algebraic scaling factors.
func (c *Controller) SetAlgScaling(scale []float64) error {
	return c.setScale("algebraic", scale, c.m.NZ(), &c.scale.Z)
}

func (c *Controller) setScale(what string, scale []float64, dim int, dst *[]float64) error {
	if err := c.configurable("scaling"); err != nil {
		return err
	}
	if len(scale) != dim {
		return &ShapeError{What: what + " scaling", Want: dim, Got: len(scale)}
	}
	for i, v := range scale {
		if !(v > 0) {
			return &ConfigError{Field: what + " scaling", Reason: fmt.Sprintf("factor %d is %v, must be positive", i, v)}
		}
	}
	*dst = cloneOrNil(scale)
	return nil
}

// AddNLCons registers a nonlinear path constraint g(x,u,z,tvp,p) <= upper.
func (c *Controller) AddNLCons(cons nlp.PathConstraint) error {
	if err := c.configurable("AddNLCons"); err != nil {
		return err
	}
	if cons.Dim < 1 || cons.Fun == nil {
		return &ConfigError{Field: "nl_cons", Reason: fmt.Sprintf("constraint %q needs a dimension and an evaluator", cons.Name)}
	}
	if len(cons.Upper) != cons.Dim {
		return &ShapeError{What: fmt.Sprintf("constraint %q upper bound", cons.Name), Want: cons.Dim, Got: len(cons.Upper)}
	}
	if cons.Soft && cons.Penalty <= 0 {
		return &ConfigError{Field: "nl_cons", Reason: fmt.Sprintf("soft constraint %q needs a positive penalty", cons.Name)}
	}
	c.cons = append(c.cons, cons)
	return nil
}

// SetUncertaintyValues builds the combination table as the cartesian product
// of the per-parameter value lists. The first value of every list is the
// nominal one, so combination 0 is the nominal scenario. Parameters not
// named contribute the single value 0.
func (c *Controller) SetUncertaintyValues(values map[string][]float64) error {
	if err := c.configurable("SetUncertaintyValues"); err != nil {
		return err
	}
	np := c.m.NP()
	lists := make([][]float64, np)
	for i := range lists {
		lists[i] = []float64{0}
	}
	for name, vals := range values {
		i := c.m.ParamIndex(name)
		if i < 0 {
			return &ConfigError{Field: "uncertainty", Reason: fmt.Sprintf("unknown parameter %q", name)}
		}
		if len(vals) == 0 {
			return &ConfigError{Field: "uncertainty", Reason: fmt.Sprintf("parameter %q has no values", name)}
		}
		lists[i] = vals
	}
	c.pValues = cartesian(lists)
	c.pFun = nil
	c.nComb = len(c.pValues)
	return nil
}

// SetPFun installs a time-dependent source for the combination table,
// overriding SetUncertaintyValues. fun must return nComb rows of NP values.
func (c *Controller) SetPFun(nComb int, fun PFun) error {
	if err := c.configurable("SetPFun"); err != nil {
		return err
	}
	if nComb < 1 {
		return &ConfigError{Field: "p_fun", Reason: fmt.Sprintf("combination count must be at least 1, have %d", nComb)}
	}
	if fun == nil {
		return &ConfigError{Field: "p_fun", Reason: "function must not be nil"}
	}
	c.pFun = fun
	c.pValues = nil
	c.nComb = nComb
	return nil
}

// SetTVPFun installs the time-varying parameter source. fun must return
// n_horizon+1 rows of NTVP values for the horizon starting at t.
func (c *Controller) SetTVPFun(fun TVPFun) error {
	if err := c.configurable("SetTVPFun"); err != nil {
		return err
	}
	if fun == nil {
		return &ConfigError{Field: "tvp_fun", Reason: "function must not be nil"}
	}
	c.tvpFun = fun
	return nil
}

func (c *Controller) configurable(op string) error {
	if c.phase != PhaseConfiguring {
		return fmt.Errorf("%w: %s must be called before Setup", ErrAlreadySetup, op)
	}
	return nil
}

// Setup validates the configuration, builds the scenario tree, transcribes
// the dynamics and assembles the nonlinear program. After Setup the
// controller accepts SetInitialGuess and MakeStep; configuration calls are
// rejected.
func (c *Controller) Setup() error {
	if err := c.configurable("Setup"); err != nil {
		return err
	}
	if err := c.settings.Validate(); err != nil {
		return err
	}
	if len(c.settings.SolverOptions) > 0 {
		sc, ok := c.solver.(SolverConfigurer)
		if !ok {
			return &ConfigError{Field: "solver_options", Reason: "solver does not accept options"}
		}
		if err := sc.Configure(c.settings.SolverOptions); err != nil {
			return fmt.Errorf("mpc: configuring solver: %w", err)
		}
	}
	if c.costs.Stage == nil || c.costs.Terminal == nil {
		return &ConfigError{Field: "objective", Reason: "SetObjective must be called before Setup"}
	}
	if c.m.NP() > 0 && c.pValues == nil && c.pFun == nil {
		return &ConfigError{Field: "uncertainty", Reason: "model declares parameters; call SetUncertaintyValues or SetPFun"}
	}
	if c.m.NTVP() > 0 && c.tvpFun == nil {
		return &ConfigError{Field: "tvp_fun", Reason: "model declares time-varying parameters; call SetTVPFun"}
	}
	if c.m.Type() == model.Discrete && c.settings.StateDiscretization == DiscretizationCollocation {
		return &ConfigError{Field: "state_discretization", Reason: "discrete models require the discrete scheme"}
	}
	if c.m.Type() == model.Continuous && c.settings.StateDiscretization == DiscretizationDiscrete {
		return &ConfigError{Field: "state_discretization", Reason: "continuous models require the collocation scheme"}
	}
	if c.costs.RTerm == nil && c.m.NU() > 0 {
		c.log.Warn("no input rate penalty configured, solutions may chatter")
	}
	for _, w := range c.costs.RTerm {
		if w < 0 {
			c.log.Warn("negative input rate weight, changes in the control input are rewarded")
			break
		}
	}
	if c.settings.NRobust > 0 && c.nComb == 1 {
		c.log.Warn("robust horizon set but only one parameter combination, tree stays nominal",
			logging.Int("n_robust", c.settings.NRobust))
	}
	if c.settings.NRobust == 0 && c.nComb > 1 {
		c.log.Warn("parameter combinations supplied but robust horizon is zero, only the nominal combination enters the tree",
			logging.Int("combinations", c.nComb))
	}

	tree, err := scenario.Build(c.nComb, c.settings.NRobust, c.settings.NHorizon)
	if err != nil {
		return err
	}

	if c.scale.X == nil {
		c.scale.X = unit(c.m.NX())
	}
	if c.scale.U == nil {
		c.scale.U = unit(c.m.NU())
	}
	if c.scale.Z == nil {
		c.scale.Z = unit(c.m.NZ())
	}

	dcfg := collocation.Config{
		Degree:         c.settings.CollocationDeg,
		FiniteElements: c.settings.CollocationNI,
		TStep:          c.settings.TStep,
	}
	disc, err := collocation.NewDiscretizer(c.m, dcfg, c.scale.X, c.scale.U, c.scale.Z)
	if err != nil {
		return err
	}

	prob, err := nlp.Assemble(c.m, tree, disc, c.costs, c.cons, c.scale, nlp.AssembleConfig{
		OpenLoop:            c.settings.OpenLoop,
		SingleSlack:         c.settings.NLConsSingleSlack,
		NLCheckCollocPoints: c.settings.NLConsCheckCollocPoints,
		NComb:               c.nComb,
	})
	if err != nil {
		return err
	}
	if err := nlp.PropagateBounds(prob, c.scale, c.bounds, c.cons, nlp.BoundConfig{
		CheckCollocPoints: c.settings.ConsCheckCollocPoints,
		UseTerminalBounds: c.settings.UseTerminalBounds,
	}); err != nil {
		return err
	}

	if c.recorder == nil {
		c.recorder = data.NewRecorder(c.settings.StoreFullSolution, c.settings.StoreLagrMultiplier)
	}

	c.tree = tree
	c.disc = disc
	c.prob = prob
	c.guess = make([]float64, prob.NumVar)
	c.params = make([]float64, prob.NumPar)
	c.uPrev = make([]float64, c.m.NU())
	c.guessSet = false
	c.phase = PhaseSetup

	c.log.Info("controller set up",
		logging.Int("horizon", c.settings.NHorizon),
		logging.Int("robust_horizon", c.settings.NRobust),
		logging.Int("combinations", c.nComb),
		logging.Int("scenarios", tree.MaxScenarios()),
		logging.Int("variables", prob.NumVar),
		logging.Int("constraints", prob.NumCons))
	return nil
}

// SetInitialGuess seeds the decision vector with a constant trajectory: x0
// in every state slot, u0 in every input slot, z0 in every algebraic slot.
// z0 may be nil for models without algebraic states. The previous-input
// memory is set to u0.
func (c *Controller) SetInitialGuess(x0, u0, z0 []float64) error {
	if c.phase == PhaseConfiguring {
		return ErrNotSetup
	}
	if len(x0) != c.m.NX() {
		return &ShapeError{What: "initial state guess", Want: c.m.NX(), Got: len(x0)}
	}
	if len(u0) != c.m.NU() {
		return &ShapeError{What: "initial input guess", Want: c.m.NU(), Got: len(u0)}
	}
	if len(z0) != c.m.NZ() {
		return &ShapeError{What: "initial algebraic guess", Want: c.m.NZ(), Got: len(z0)}
	}

	l := c.prob.Layout
	t := c.tree
	for i := range c.guess {
		c.guess[i] = 0
	}
	for k := 0; k <= t.Horizon; k++ {
		for s := 0; s < t.NScenarios[k]; s++ {
			for pt := 0; pt < l.NumPoints(k); pt++ {
				off := l.X(k, s, pt)
				for q, v := range x0 {
					c.guess[off+q] = v / c.scale.X[q]
				}
			}
		}
	}
	for k := 0; k < t.Horizon; k++ {
		for su := 0; su < l.NumUScen(k); su++ {
			off := l.U(k, su)
			for q, v := range u0 {
				c.guess[off+q] = v / c.scale.U[q]
			}
		}
		if c.m.NZ() > 0 {
			for cs := 0; cs < t.NScenarios[k+1]; cs++ {
				for pt := 0; pt < l.ZSlots(); pt++ {
					off := l.Z(k, cs, pt)
					for q, v := range z0 {
						c.guess[off+q] = v / c.scale.Z[q]
					}
				}
			}
		}
	}
	copy(c.uPrev, u0)
	c.guessSet = true
	return nil
}

// MakeStep runs one control step: refresh the runtime parameters from the
// measured state x0, solve the program warm-started from the previous
// solution, and return the physical first-stage input. A solver that stops
// without convergence is logged and counted but not fatal; the best iterate
// is still applied, matching receding-horizon practice.
func (c *Controller) MakeStep(x0 []float64) ([]float64, error) {
	if c.phase == PhaseConfiguring {
		return nil, ErrNotSetup
	}
	if len(x0) != c.m.NX() {
		return nil, &ShapeError{What: "measured state", Want: c.m.NX(), Got: len(x0)}
	}
	if !c.guessSet && !c.warnGuess {
		c.log.Warn("no initial guess provided, starting from zero trajectory")
		c.warnGuess = true
	}

	if err := c.refreshParams(x0); err != nil {
		return nil, err
	}

	sol, err := c.solver.Solve(c.prob, c.guess, c.params)
	if err != nil {
		return nil, fmt.Errorf("mpc: solving step %d: %w", c.step, err)
	}
	ok := sol.Status.Success()
	if !ok {
		c.log.Warn("solver did not converge, applying best iterate",
			logging.Int("step", c.step),
			logging.String("status", sol.Status.String()),
			logging.Int("iterations", sol.Iterations))
	}
	c.metrics.observeStep(sol.WallTime.Seconds(), ok)
	c.log.Debug("step solved",
		logging.Int("step", c.step),
		logging.Float("objective", sol.Objective),
		logging.Duration("wall_time", sol.WallTime))

	// Full solution becomes the next warm start.
	copy(c.guess, sol.X)
	c.guessSet = true
	c.lastSol = sol

	l := c.prob.Layout
	u0 := make([]float64, c.m.NU())
	for q := range u0 {
		u0[q] = sol.X[l.U(0, 0)+q] * c.scale.U[q]
	}
	var z0 []float64
	if c.m.NZ() > 0 {
		z0 = make([]float64, c.m.NZ())
		for q := range z0 {
			z0[q] = sol.X[l.Z(0, 0, 0)+q] * c.scale.Z[q]
		}
	}

	c.record(x0, u0, z0, sol)

	copy(c.uPrev, u0)
	c.t0 += c.settings.TStep
	c.step++
	c.phase = PhaseRunning
	return u0, nil
}

// refreshParams rebuilds the parameter vector for the horizon starting at
// the current time: measured state, time-varying parameters, uncertain
// combinations and the previously applied input.
func (c *Controller) refreshParams(x0 []float64) error {
	l := c.prob.Layout
	copy(c.params[l.PX0():l.PX0()+c.m.NX()], x0)

	if c.m.NTVP() > 0 {
		rows := c.tvpFun(c.t0)
		if len(rows) != c.settings.NHorizon+1 {
			return &ShapeError{What: "tvp_fun result", Want: c.settings.NHorizon + 1, Got: len(rows)}
		}
		for k, row := range rows {
			if len(row) != c.m.NTVP() {
				return &ShapeError{What: fmt.Sprintf("tvp_fun row %d", k), Want: c.m.NTVP(), Got: len(row)}
			}
			copy(c.params[l.PTVP(k):l.PTVP(k)+c.m.NTVP()], row)
		}
	}

	if c.m.NP() > 0 {
		table := c.pValues
		if c.pFun != nil {
			table = c.pFun(c.t0)
		}
		if len(table) != c.nComb {
			return &ShapeError{What: "parameter combination table", Want: c.nComb, Got: len(table)}
		}
		for i, row := range table {
			if len(row) != c.m.NP() {
				return &ShapeError{What: fmt.Sprintf("parameter combination %d", i), Want: c.m.NP(), Got: len(row)}
			}
			copy(c.params[l.PComb(i):l.PComb(i)+c.m.NP()], row)
		}
	}

	copy(c.params[l.PUPrev():l.PUPrev()+c.m.NU()], c.uPrev)
	return nil
}

func (c *Controller) record(x0, u0, z0 []float64, sol *nlp.Solution) {
	if c.recorder == nil {
		return
	}
	l := c.prob.Layout
	var tvp, p []float64
	if c.m.NTVP() > 0 {
		tvp = c.params[l.PTVP(0) : l.PTVP(0)+c.m.NTVP()]
	}
	if c.m.NP() > 0 {
		p = c.params[l.PComb(0) : l.PComb(0)+c.m.NP()]
	}
	var aux []float64
	if n := len(c.m.Aux()); n > 0 {
		aux = make([]float64, n)
		c.m.EvalAux(x0, u0, z0, p, tvp, aux)
	}
	c.recorder.Append(data.Snapshot{
		Step:      c.step,
		Time:      c.t0,
		X:         x0,
		U:         u0,
		Z:         z0,
		TVP:       tvp,
		P:         p,
		Aux:       aux,
		Objective: sol.Objective,
		Success:   sol.Status.Success(),
		Status:    sol.Status.String(),
		WallTime:  sol.WallTime,
		FullX:     sol.X,
		LamG:      sol.LamG,
	})
}

func cartesian(lists [][]float64) [][]float64 {
	n := 1
	for _, l := range lists {
		n *= len(l)
	}
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, len(lists))
		rem := i
		// First parameter varies slowest so combination 0 is all-nominal.
		for j := len(lists) - 1; j >= 0; j-- {
			row[j] = lists[j][rem%len(lists[j])]
			rem /= len(lists[j])
		}
		out[i] = row
	}
	return out
}

func cloneOrNil(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func unit(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
