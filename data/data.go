// Package data records closed-loop trajectories: one snapshot per control
// step with the applied input, measured state, solver diagnostics and,
// optionally, the full primal/dual solution.
package data

import (
	"fmt"
	"time"
)

// Snapshot is the record of one control step. All slices are owned by the
// snapshot; callers may retain them.
type Snapshot struct {
	Step int
	Time float64

	X   []float64
	U   []float64
	Z   []float64
	TVP []float64
	P   []float64
	Aux []float64

	Objective float64
	Success   bool
	Status    string
	WallTime  time.Duration

	// FullX and LamG are populated only when the recorder is configured to
	// store them.
	FullX []float64
	LamG  []float64
}

// Recorder accumulates snapshots in memory.
type Recorder struct {
	storeFull        bool
	storeMultipliers bool
	snaps            []Snapshot
}

// NewRecorder returns a recorder. storeFull keeps the complete decision
// vector of every solve, storeMultipliers the constraint multipliers.
func NewRecorder(storeFull, storeMultipliers bool) *Recorder {
	return &Recorder{storeFull: storeFull, storeMultipliers: storeMultipliers}
}

// Append copies the snapshot into the recorder, dropping the full solution
// and multipliers unless configured to keep them.
func (r *Recorder) Append(s Snapshot) {
	c := s
	c.X = clone(s.X)
	c.U = clone(s.U)
	c.Z = clone(s.Z)
	c.TVP = clone(s.TVP)
	c.P = clone(s.P)
	c.Aux = clone(s.Aux)
	if r.storeFull {
		c.FullX = clone(s.FullX)
	} else {
		c.FullX = nil
	}
	if r.storeMultipliers {
		c.LamG = clone(s.LamG)
	} else {
		c.LamG = nil
	}
	r.snaps = append(r.snaps, c)
}

// Len is the number of recorded steps.
func (r *Recorder) Len() int { return len(r.snaps) }

// At returns the i-th snapshot.
func (r *Recorder) At(i int) (Snapshot, error) {
	if i < 0 || i >= len(r.snaps) {
		return Snapshot{}, fmt.Errorf("data: snapshot %d out of range [0, %d)", i, len(r.snaps))
	}
	return r.snaps[i], nil
}

// Last returns the most recent snapshot, or false when empty.
func (r *Recorder) Last() (Snapshot, bool) {
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

// Reset discards all recorded steps.
func (r *Recorder) Reset() { r.snaps = r.snaps[:0] }

// States returns the measured state trajectory as one row per step.
func (r *Recorder) States() [][]float64 { return r.column(func(s Snapshot) []float64 { return s.X }) }

// Inputs returns the applied input trajectory as one row per step.
func (r *Recorder) Inputs() [][]float64 { return r.column(func(s Snapshot) []float64 { return s.U }) }

// Times returns the wall-clock model time of each step.
func (r *Recorder) Times() []float64 {
	out := make([]float64, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Time
	}
	return out
}

func (r *Recorder) column(pick func(Snapshot) []float64) [][]float64 {
	out := make([][]float64, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = clone(pick(s))
	}
	return out
}

func clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
