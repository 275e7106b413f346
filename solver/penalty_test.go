package solver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcx/do-mpc/collocation"
	"github.com/mcx/do-mpc/model"
	"github.com/mcx/do-mpc/nlp"
	"github.com/mcx/do-mpc/scenario"
)

func TestPenaltyEqualityConstrained(t *testing.T) {
	// min x^2  s.t.  x = 1
	prob := &nlp.Problem{
		NumVar:  1,
		NumCons: 1,
		Objective: func(x, p []float64) float64 {
			return x[0] * x[0]
		},
		Constraints: func(x, p, dst []float64) {
			dst[0] = x[0]
		},
		LBG: []float64{1},
		UBG: []float64{1},
	}

	var s Penalty
	sol, err := s.Solve(prob, []float64{0}, nil)
	require.NoError(t, err)
	assert.True(t, sol.Status.Success(), "status %v", sol.Status)
	assert.InDelta(t, 1, sol.X[0], 1e-4)
	assert.InDelta(t, 1, sol.Objective, 1e-3)
	assert.Len(t, sol.LamG, 1)
	assert.Greater(t, sol.WallTime.Nanoseconds(), int64(0))
}

func TestPenaltyBoundConstrained(t *testing.T) {
	// min -x  s.t.  x <= 2
	prob := &nlp.Problem{
		NumVar: 1,
		Objective: func(x, p []float64) float64 {
			return -x[0]
		},
		Constraints: func(x, p, dst []float64) {},
		UBX:         []float64{2},
	}

	var s Penalty
	sol, err := s.Solve(prob, []float64{0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2, sol.X[0], 1e-4)
}

func TestPenaltyQuadraticProgram(t *testing.T) {
	// min (x0-1)^2 + (x1+2)^2  s.t.  x0 + x1 = 0
	prob := &nlp.Problem{
		NumVar:  2,
		NumCons: 1,
		Objective: func(x, p []float64) float64 {
			return (x[0]-1)*(x[0]-1) + (x[1]+2)*(x[1]+2)
		},
		Constraints: func(x, p, dst []float64) {
			dst[0] = x[0] + x[1]
		},
		LBG: []float64{0},
		UBG: []float64{0},
	}

	var s Penalty
	sol, err := s.Solve(prob, []float64{0, 0}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, sol.X[0], 1e-3)
	assert.InDelta(t, -1.5, sol.X[1], 1e-3)
}

func TestPenaltyZeroDynamicsHorizon(t *testing.T) {
	// x_{k+1} = x_k with two states, one unused input, stage cost x'x and
	// no terminal cost over a horizon of five.
	m, err := model.New(model.Discrete, model.Config{
		States: []string{"x1", "x2"},
		Inputs: []string{"u"},
		RHS: func(x, u, z, p, tvp, dst []float64) {
			copy(dst, x)
		},
	})
	require.NoError(t, err)

	tree, err := scenario.Build(1, 0, 5)
	require.NoError(t, err)
	scale := nlp.Unit(m)
	disc, err := collocation.NewDiscretizer(m, collocation.Config{}, scale.X, scale.U, scale.Z)
	require.NoError(t, err)

	costs := nlp.Costs{
		Stage: func(x, u, z, tvp, p []float64) float64 {
			return x[0]*x[0] + x[1]*x[1]
		},
		Terminal: func(x, tvp, p []float64) float64 { return 0 },
	}
	prob, err := nlp.Assemble(m, tree, disc, costs, nil, scale, nlp.AssembleConfig{NComb: 1})
	require.NoError(t, err)

	// One initial-condition row plus one continuity row per stage, all
	// equalities, no inequality rows.
	assert.Equal(t, 12, prob.NumCons)
	for i := 0; i < prob.NumCons; i++ {
		assert.Equal(t, prob.LBG[i], prob.UBG[i], "row %d", i)
	}

	params := make([]float64, prob.NumPar)
	params[prob.Layout.PX0()] = 0.3
	params[prob.Layout.PX0()+1] = -0.4

	var s Penalty
	sol, err := s.Solve(prob, make([]float64, prob.NumVar), params)
	require.NoError(t, err)
	require.True(t, sol.Status.Success(), "status %v", sol.Status)

	// The input does not enter the dynamics or the cost, so it never
	// moves from the zero start.
	for k := 0; k < tree.Horizon; k++ {
		assert.InDelta(t, 0, sol.X[prob.Layout.U(k, 0)], 1e-6, "u at stage %d", k)
	}
	// All state points settle on the initial condition.
	for k := 1; k <= tree.Horizon; k++ {
		off := prob.Layout.XBoundary(k, 0)
		assert.InDelta(t, 0.3, sol.X[off], 1e-3)
		assert.InDelta(t, -0.4, sol.X[off+1], 1e-3)
	}
}

func TestPenaltyConfigure(t *testing.T) {
	var s Penalty
	require.NoError(t, s.Configure(map[string]any{
		"max_outer":        4,
		"inner_iterations": 50,
		"initial_weight":   100.0,
		"weight_growth":    5,
		"feas_tol":         1e-8,
		"grad_tol":         1e-10,
	}))
	assert.Equal(t, 4, s.MaxOuter)
	assert.Equal(t, 50, s.InnerIterations)
	assert.Equal(t, 100.0, s.InitialWeight)
	assert.Equal(t, 5.0, s.WeightGrowth)
	assert.Equal(t, 1e-8, s.FeasTol)
	assert.Equal(t, 1e-10, s.GradTol)

	assert.Error(t, s.Configure(map[string]any{"penalty_mode": "exact"}))
	assert.Error(t, s.Configure(map[string]any{"max_outer": "four"}))
}

func TestPenaltyShapeChecks(t *testing.T) {
	prob := &nlp.Problem{
		NumVar:      1,
		NumPar:      1,
		Objective:   func(x, p []float64) float64 { return 0 },
		Constraints: func(x, p, dst []float64) {},
	}
	var s Penalty
	_, err := s.Solve(prob, []float64{0, 0}, []float64{0})
	assert.Error(t, err)
	_, err = s.Solve(prob, []float64{0}, nil)
	assert.Error(t, err)
}
