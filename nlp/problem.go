// Package nlp turns a dynamic model, cost, constraints and uncertainty
// description into one finite-dimensional nonlinear program: decision
// variable layout, constraint and objective assembly across the scenario
// tree, and numeric bound propagation. Solving the program is delegated to
// a Solver implementation.
package nlp

import (
	"errors"
	"time"
)

// Status classifies the outcome of one solver call.
type Status int

const (
	StatusUnknown Status = iota
	// StatusSolved indicates convergence to the requested tolerance.
	StatusSolved
	// StatusMaxIter indicates the iteration budget ran out before
	// convergence. The returned point is still the best iterate.
	StatusMaxIter
	// StatusInfeasible indicates the solver declared the problem locally
	// infeasible.
	StatusInfeasible
	// StatusFailure covers numerical breakdown inside the solver.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSolved:
		return "solved"
	case StatusMaxIter:
		return "max-iterations"
	case StatusInfeasible:
		return "infeasible"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Success reports whether the solution can be trusted as converged.
func (s Status) Success() bool { return s == StatusSolved }

// Problem is an assembled nonlinear program
//
//	min  f(x, p)
//	s.t. LBG <= g(x, p) <= UBG
//	     LBX <=    x    <= UBX
//
// over the flattened decision vector x with runtime parameters p. The
// callbacks share scratch buffers with the assembler and are therefore not
// safe for concurrent use; the runtime performs one blocking solve at a
// time by contract.
type Problem struct {
	NumVar  int
	NumPar  int
	NumCons int

	Objective   func(x, p []float64) float64
	Constraints func(x, p, dst []float64)

	LBX, UBX []float64
	LBG, UBG []float64

	// Layout describes how the decision and parameter vectors are indexed.
	Layout *Layout
}

// Solution carries the primal/dual result and diagnostics of one solve.
type Solution struct {
	X          []float64
	LamG       []float64
	Objective  float64
	Status     Status
	Iterations int
	WallTime   time.Duration
}

// Solver is the black-box NLP solver collaborator.
type Solver interface {
	// Solve minimizes prob starting from guess with the given parameter
	// vector. A non-nil error signals a mechanical failure (bad shapes,
	// evaluation panic); non-convergence is reported through
	// Solution.Status with the best iterate still populated.
	Solve(prob *Problem, guess, params []float64) (*Solution, error)
}

var (
	ErrMissingObjective = errors.New("nlp: stage and terminal cost must be set before assembly")
	ErrNoScenarios      = errors.New("nlp: tree yields zero scenarios")
	ErrBoundOrder       = errors.New("nlp: lower bound exceeds upper bound")
	ErrScaling          = errors.New("nlp: scaling factors must be strictly positive")
)
