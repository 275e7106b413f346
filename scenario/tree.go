// Package scenario builds the scenario tree used by robust multi-stage MPC.
//
// The tree branches over every combination of the uncertain parameters for
// the first RobustHorizon stages and is frozen to a single child per node
// afterwards. Node indices follow a fixed depth-first, combination-ordered
// enumeration so that an identical uncertainty realization always maps to
// the same scenario index; warm starts stay aligned across solves.
package scenario

import "errors"

// Tree enumerates the scenario topology for one horizon.
//
// Scenario indices at stage k range over [0, NScenarios[k]). For a node
// (k, s) with k < Horizon, the children at stage k+1 are Child[k][s][b] for
// b in [0, NBranches[k]), and the uncertain-parameter combination driving
// branch b is BranchOffset[k][s] + b (an index into the flattened
// combination table).
type Tree struct {
	NCombinations int
	RobustHorizon int
	Horizon       int

	// NScenarios[k] = NCombinations^min(k, RobustHorizon), k in [0, Horizon].
	NScenarios []int
	// NBranches[k] = NCombinations while k < RobustHorizon, else 1.
	NBranches []int
	// Child[k][s][b] is the scenario index at stage k+1.
	Child [][][]int
	// Parent[k][s] is the scenario index at stage k-1; Parent[0][0] = -1.
	Parent [][]int
	// BranchOffset[k][s] is the offset into the flattened combination table.
	BranchOffset [][]int
}

var (
	ErrCombinations = errors.New("scenario: number of combinations must be at least 1")
	ErrHorizon      = errors.New("scenario: horizon must be at least 1")
	ErrRobust       = errors.New("scenario: robust horizon must not be negative")
)

// Build constructs the tree for nCombinations uncertainty combinations, a
// robust horizon of nRobust stages and a prediction horizon of horizon
// stages. nRobust = 0 collapses the tree to one scenario per stage
// (nominal MPC).
func Build(nCombinations, nRobust, horizon int) (*Tree, error) {
	if nCombinations < 1 {
		return nil, ErrCombinations
	}
	if horizon < 1 {
		return nil, ErrHorizon
	}
	if nRobust < 0 {
		return nil, ErrRobust
	}

	t := &Tree{
		NCombinations: nCombinations,
		RobustHorizon: nRobust,
		Horizon:       horizon,
		NScenarios:    make([]int, horizon+1),
		NBranches:     make([]int, horizon),
		Child:         make([][][]int, horizon),
		Parent:        make([][]int, horizon+1),
		BranchOffset:  make([][]int, horizon),
	}

	for k := 0; k <= horizon; k++ {
		t.NScenarios[k] = pow(nCombinations, min(k, nRobust))
	}
	t.Parent[0] = []int{-1}

	for k := 0; k < horizon; k++ {
		nb := 1
		if k < nRobust {
			nb = nCombinations
		}
		t.NBranches[k] = nb

		ns := t.NScenarios[k]
		t.Child[k] = make([][]int, ns)
		t.BranchOffset[k] = make([]int, ns)
		t.Parent[k+1] = make([]int, t.NScenarios[k+1])

		for s := 0; s < ns; s++ {
			t.Child[k][s] = make([]int, nb)
			for b := 0; b < nb; b++ {
				c := s*nb + b
				t.Child[k][s][b] = c
				t.Parent[k+1][c] = s
			}
			// Before the robust horizon every combination branches from
			// offset 0. Past it the node replays the combination realized
			// at its last branching, which the depth-first enumeration
			// encodes in the low digit of the scenario index.
			if k < nRobust {
				t.BranchOffset[k][s] = 0
			} else {
				t.BranchOffset[k][s] = s % nCombinations
			}
		}
	}
	return t, nil
}

// Combinations returns the combination indices feeding the children of
// node (k, s), in branch order.
func (t *Tree) Combinations(k, s int) []int {
	nb := t.NBranches[k]
	out := make([]int, nb)
	for b := 0; b < nb; b++ {
		out[b] = t.BranchOffset[k][s] + b
	}
	return out
}

// MaxScenarios returns the widest stage of the tree.
func (t *Tree) MaxScenarios() int { return t.NScenarios[t.Horizon] }

func pow(base, exp int) int {
	r := 1
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}
