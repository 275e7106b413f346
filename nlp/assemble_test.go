package nlp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcx/do-mpc/collocation"
	"github.com/mcx/do-mpc/model"
	"github.com/mcx/do-mpc/scenario"
)

func accumulatorModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(model.Discrete, model.Config{
		States: []string{"x"},
		Inputs: []string{"u"},
		RHS: func(x, u, z, p, tvp, dst []float64) {
			dst[0] = x[0] + u[0]
		},
	})
	require.NoError(t, err)
	return m
}

func quadraticCosts() Costs {
	return Costs{
		Stage: func(x, u, z, tvp, p []float64) float64 {
			return x[0]*x[0] + u[0]*u[0]
		},
		Terminal: func(x, tvp, p []float64) float64 {
			return 10 * x[0] * x[0]
		},
	}
}

func discretize(t *testing.T, m *model.Model, scale Scaling) *collocation.Discretizer {
	t.Helper()
	d, err := collocation.NewDiscretizer(m, collocation.Config{Degree: 1, FiniteElements: 1, TStep: 1},
		scale.X, scale.U, scale.Z)
	require.NoError(t, err)
	return d
}

func TestAssembleDiscreteNominal(t *testing.T) {
	m := accumulatorModel(t)
	tree, err := scenario.Build(1, 0, 3)
	require.NoError(t, err)
	scale := Unit(m)

	prob, err := Assemble(m, tree, discretize(t, m, scale), quadraticCosts(), nil, scale,
		AssembleConfig{NComb: 1})
	require.NoError(t, err)

	// One state point per stage, one input per stage.
	assert.Equal(t, 7, prob.NumVar)
	assert.Equal(t, 2, prob.NumPar)
	// Initial condition plus one continuity defect per stage, all equality.
	assert.Equal(t, 4, prob.NumCons)
	for i := 0; i < prob.NumCons; i++ {
		assert.Equal(t, 0.0, prob.LBG[i])
		assert.Equal(t, 0.0, prob.UBG[i])
	}

	l := prob.Layout
	params := make([]float64, prob.NumPar)
	params[l.PX0()] = 2

	// Forward-consistent trajectory: u = -1, -0.5, 0 from x0 = 2.
	x := make([]float64, prob.NumVar)
	x[l.X(0, 0, 0)] = 2
	x[l.X(1, 0, 0)] = 1
	x[l.X(2, 0, 0)] = 0.5
	x[l.X(3, 0, 0)] = 0.5
	x[l.U(0, 0)] = -1
	x[l.U(1, 0)] = -0.5
	x[l.U(2, 0)] = 0

	g := make([]float64, prob.NumCons)
	prob.Constraints(x, params, g)
	for i, v := range g {
		assert.InDelta(t, 0, v, 1e-12, "row %d", i)
	}

	// (4+1) + (1+0.25) + (0.25+0) running, 10*0.25 terminal.
	assert.InDelta(t, 9.0, prob.Objective(x, params), 1e-12)
}

func TestAssembleRatePenalty(t *testing.T) {
	m := accumulatorModel(t)
	tree, err := scenario.Build(1, 0, 3)
	require.NoError(t, err)
	scale := Unit(m)

	costs := quadraticCosts()
	costs.RTerm = []float64{1}
	prob, err := Assemble(m, tree, discretize(t, m, scale), costs, nil, scale,
		AssembleConfig{NComb: 1})
	require.NoError(t, err)

	l := prob.Layout
	x := make([]float64, prob.NumVar)
	x[l.X(0, 0, 0)] = 2
	x[l.X(1, 0, 0)] = 1
	x[l.X(2, 0, 0)] = 0.5
	x[l.X(3, 0, 0)] = 0.5
	x[l.U(0, 0)] = -1
	x[l.U(1, 0)] = -0.5

	params := make([]float64, prob.NumPar)
	params[l.PX0()] = 2

	// (u_0 - u_prev)^2 + (u_1 - u_0)^2 + (u_2 - u_1)^2 on top of the base 9.
	params[l.PUPrev()] = 0
	assert.InDelta(t, 9+1+0.25+0.25, prob.Objective(x, params), 1e-12)

	// The previous input enters the objective only, never the constraints.
	params[l.PUPrev()] = 3
	assert.InDelta(t, 9+16+0.25+0.25, prob.Objective(x, params), 1e-12)
	g := make([]float64, prob.NumCons)
	prob.Constraints(x, params, g)
	for i, v := range g {
		assert.InDelta(t, 0, v, 1e-12, "row %d", i)
	}
}

func TestAssembleRobustTree(t *testing.T) {
	m, err := model.New(model.Discrete, model.Config{
		States: []string{"x"},
		Inputs: []string{"u"},
		Params: []string{"a"},
		RHS: func(x, u, z, p, tvp, dst []float64) {
			dst[0] = p[0]*x[0] + u[0]
		},
	})
	require.NoError(t, err)

	tree, err := scenario.Build(2, 1, 2)
	require.NoError(t, err)
	scale := Unit(m)

	costs := Costs{
		Stage:    func(x, u, z, tvp, p []float64) float64 { return x[0] * x[0] },
		Terminal: func(x, tvp, p []float64) float64 { return x[0] * x[0] },
	}
	prob, err := Assemble(m, tree, discretize(t, m, scale), costs, nil, scale,
		AssembleConfig{NComb: 2})
	require.NoError(t, err)

	l := prob.Layout
	// Two branches at the root, one per scenario afterwards.
	assert.Equal(t, 5, prob.NumCons)

	params := make([]float64, prob.NumPar)
	params[l.PX0()] = 1
	params[l.PComb(0)] = 1
	params[l.PComb(1)] = 2

	// Zero input: each scenario replays its realized growth factor.
	x := make([]float64, prob.NumVar)
	x[l.X(0, 0, 0)] = 1
	x[l.X(1, 0, 0)] = 1
	x[l.X(1, 1, 0)] = 2
	x[l.X(2, 0, 0)] = 1
	x[l.X(2, 1, 0)] = 4

	g := make([]float64, prob.NumCons)
	prob.Constraints(x, params, g)
	for i, v := range g {
		assert.InDelta(t, 0, v, 1e-12, "row %d", i)
	}

	// Each branch carries omega = 1/2:
	// stage 0: 2 * 0.5*1, stage 1: 0.5*1 + 0.5*4,
	// terminal: 0.5*1 + 0.5*16.
	assert.InDelta(t, 1+2.5+8.5, prob.Objective(x, params), 1e-12)
}

func TestAssembleSoftConstraint(t *testing.T) {
	m := accumulatorModel(t)
	tree, err := scenario.Build(1, 0, 1)
	require.NoError(t, err)
	scale := Unit(m)

	cons := []PathConstraint{{
		Name:  "x_ceiling",
		Dim:   1,
		Fun:   func(x, u, z, tvp, p, dst []float64) { dst[0] = x[0] },
		Upper: []float64{0.5},
		Soft:  true, Penalty: 2,
	}}
	costs := Costs{
		Stage:    func(x, u, z, tvp, p []float64) float64 { return 0 },
		Terminal: func(x, tvp, p []float64) float64 { return 0 },
	}
	prob, err := Assemble(m, tree, discretize(t, m, scale), costs, cons, scale,
		AssembleConfig{NComb: 1})
	require.NoError(t, err)

	assert.Equal(t, 3, prob.NumCons)
	assert.True(t, math.IsInf(prob.LBG[2], -1))
	assert.Equal(t, 0.5, prob.UBG[2])
	// One slack variable joins the decision vector.
	assert.Equal(t, 4, prob.NumVar)

	l := prob.Layout
	params := make([]float64, prob.NumPar)
	params[l.PX0()] = 1

	x := make([]float64, prob.NumVar)
	x[l.X(0, 0, 0)] = 1
	x[l.U(0, 0)] = -0.3
	x[l.X(1, 0, 0)] = 0.7
	x[l.Eps(0, 0)] = 0.7

	g := make([]float64, prob.NumCons)
	prob.Constraints(x, params, g)
	assert.InDelta(t, 0, g[0], 1e-12)
	assert.InDelta(t, 0, g[1], 1e-12)
	// g - eps = 1 - 0.7.
	assert.InDelta(t, 0.3, g[2], 1e-12)

	// Only the quadratic slack cost remains.
	assert.InDelta(t, 2*0.7*0.7, prob.Objective(x, params), 1e-12)
}

func TestAssembleAlgebraicStates(t *testing.T) {
	m, err := model.New(model.Discrete, model.Config{
		States:    []string{"x"},
		Inputs:    []string{"u"},
		Algebraic: []string{"z"},
		RHS: func(x, u, z, p, tvp, dst []float64) {
			dst[0] = x[0] + u[0]
		},
		Alg: func(x, u, z, p, tvp, dst []float64) {
			dst[0] = z[0] - 2*x[0]
		},
	})
	require.NoError(t, err)

	tree, err := scenario.Build(1, 0, 2)
	require.NoError(t, err)
	scale := Scaling{X: []float64{1}, U: []float64{1}, Z: []float64{2}}

	costs := Costs{
		Stage:    func(x, u, z, tvp, p []float64) float64 { return z[0] },
		Terminal: func(x, tvp, p []float64) float64 { return 0 },
	}
	prob, err := Assemble(m, tree, discretize(t, m, scale), costs, nil, scale,
		AssembleConfig{NComb: 1})
	require.NoError(t, err)

	// Three state points, one algebraic slot per interval, two inputs.
	assert.Equal(t, 7, prob.NumVar)
	// Initial condition plus one algebraic residual and one continuity
	// defect per stage.
	assert.Equal(t, 5, prob.NumCons)

	l := prob.Layout
	params := make([]float64, prob.NumPar)
	params[l.PX0()] = 1

	// z tracks 2x along the trajectory; stored scaled by 1/2.
	x := make([]float64, prob.NumVar)
	x[l.X(0, 0, 0)] = 1
	x[l.U(0, 0)] = 0.5
	x[l.X(1, 0, 0)] = 1.5
	x[l.X(2, 0, 0)] = 1.5
	x[l.Z(0, 0, 0)] = 1   // physical 2
	x[l.Z(1, 0, 0)] = 1.5 // physical 3

	g := make([]float64, prob.NumCons)
	prob.Constraints(x, params, g)
	for i, v := range g {
		assert.InDelta(t, 0, v, 1e-12, "row %d", i)
	}

	// The stage cost sees physical algebraic values: 2 + 3.
	assert.InDelta(t, 5.0, prob.Objective(x, params), 1e-12)
}

func TestAssembleCollocationExactTrajectory(t *testing.T) {
	m, err := model.New(model.Continuous, model.Config{
		States: []string{"x"},
		Inputs: []string{"u"},
		RHS: func(x, u, z, p, tvp, dst []float64) {
			dst[0] = u[0]
		},
	})
	require.NoError(t, err)

	tree, err := scenario.Build(1, 0, 2)
	require.NoError(t, err)
	scale := Unit(m)
	disc, err := collocation.NewDiscretizer(m, collocation.Config{Degree: 1, FiniteElements: 1, TStep: 1},
		scale.X, scale.U, scale.Z)
	require.NoError(t, err)

	prob, err := Assemble(m, tree, disc, quadraticCosts(), nil, scale, AssembleConfig{NComb: 1})
	require.NoError(t, err)
	assert.Equal(t, 7, prob.NumVar)
	assert.Equal(t, 5, prob.NumCons)

	l := prob.Layout
	params := make([]float64, prob.NumPar)
	params[l.PX0()] = 1

	// Exact integrator trajectory for constant u: x(t) = 1 + 0.5 t. With a
	// degree-1 Radau point at tau = 1 the collocation state coincides with
	// the next boundary.
	x := make([]float64, prob.NumVar)
	x[l.X(0, 0, 0)] = 1
	x[l.X(1, 0, 0)] = 1.5
	x[l.X(1, 0, 1)] = 1.5
	x[l.X(2, 0, 0)] = 2
	x[l.X(2, 0, 1)] = 2
	x[l.U(0, 0)] = 0.5
	x[l.U(1, 0)] = 0.5

	g := make([]float64, prob.NumCons)
	prob.Constraints(x, params, g)
	for i, v := range g {
		assert.InDelta(t, 0, v, 1e-12, "row %d", i)
	}

	// Stage costs on boundary states plus terminal: (1+0.25) + (2.25+0.25)
	// + 10*4.
	assert.InDelta(t, 43.75, prob.Objective(x, params), 1e-12)
}

func TestAssembleNominalRobustEquivalence(t *testing.T) {
	m := accumulatorModel(t)
	scale := Unit(m)

	nominal, err := scenario.Build(1, 0, 3)
	require.NoError(t, err)
	degenerate, err := scenario.Build(1, 2, 3)
	require.NoError(t, err)

	pa, err := Assemble(m, nominal, discretize(t, m, scale), quadraticCosts(), nil, scale, AssembleConfig{NComb: 1})
	require.NoError(t, err)
	pb, err := Assemble(m, degenerate, discretize(t, m, scale), quadraticCosts(), nil, scale, AssembleConfig{NComb: 1})
	require.NoError(t, err)

	// A single combination collapses the robust tree to the nominal one.
	assert.Equal(t, pa.NumVar, pb.NumVar)
	assert.Equal(t, pa.NumCons, pb.NumCons)

	x := make([]float64, pa.NumVar)
	for i := range x {
		x[i] = 0.1 * float64(i+1)
	}
	params := make([]float64, pa.NumPar)
	params[0] = 1
	assert.InDelta(t, pa.Objective(x, params), pb.Objective(x, params), 1e-12)

	ga := make([]float64, pa.NumCons)
	gb := make([]float64, pb.NumCons)
	pa.Constraints(x, params, ga)
	pb.Constraints(x, params, gb)
	assert.InDeltaSlice(t, ga, gb, 1e-12)
}

func TestAssembleValidation(t *testing.T) {
	m := accumulatorModel(t)
	tree, err := scenario.Build(2, 1, 2)
	require.NoError(t, err)
	scale := Unit(m)
	disc := discretize(t, m, scale)

	_, err = Assemble(m, tree, disc, Costs{}, nil, scale, AssembleConfig{NComb: 2})
	assert.ErrorIs(t, err, ErrMissingObjective)

	bad := scale
	bad.X = []float64{0}
	_, err = Assemble(m, tree, disc, quadraticCosts(), nil, bad, AssembleConfig{NComb: 2})
	assert.ErrorIs(t, err, ErrScaling)

	costs := quadraticCosts()
	costs.RTerm = []float64{1, 2}
	_, err = Assemble(m, tree, disc, costs, nil, scale, AssembleConfig{NComb: 2})
	assert.Error(t, err)

	// The tree branches over two combinations; one is not enough.
	_, err = Assemble(m, tree, disc, quadraticCosts(), nil, scale, AssembleConfig{NComb: 1})
	assert.Error(t, err)
}
