// Package collocation discretizes continuous-time dynamics with orthogonal
// collocation on finite elements (Radau scheme), and provides the identity
// mapping for discrete-time models.
//
// The coefficient tables depend only on the polynomial degree and are
// computed once per setup, in the spirit of the hardcoded Butcher tableaus
// used for Runge-Kutta integration.
package collocation

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Radau IIA abscissae on (0, 1], right endpoint included.
var radauRoots = map[int][]float64{
	1: {1.0},
	2: {1.0 / 3.0, 1.0},
	3: {0.1550510257216822, 0.6449489742783178, 1.0},
	4: {0.0885879595127039, 0.4094668644407347, 0.7876594617608470, 1.0},
	5: {0.0571041961145177, 0.2768430136381238, 0.5835904323689168, 0.8602401356562195, 1.0},
}

// MaxDegree is the highest supported collocation degree.
const MaxDegree = 5

// Coeffs holds the precomputed collocation coefficients for one degree.
//
// With tau_0 = 0 prepended to the Radau points, the Lagrange basis L_j over
// tau_0..tau_d gives
//
//	C[j][r] = dL_j/dtau (tau_r)   (collocation derivative matrix)
//	D[j]    = L_j(1)              (continuity / end-of-interval vector)
type Coeffs struct {
	Degree int
	Tau    []float64 // degree+1 points, Tau[0] = 0
	C      [][]float64
	D      []float64
}

// NewRadau computes the collocation coefficients for the given degree.
func NewRadau(degree int) (*Coeffs, error) {
	roots, ok := radauRoots[degree]
	if !ok {
		return nil, fmt.Errorf("collocation: unsupported degree %d (1..%d)", degree, MaxDegree)
	}
	d := degree
	tau := make([]float64, d+1)
	copy(tau[1:], roots)

	c := &Coeffs{Degree: d, Tau: tau}
	c.C = make([][]float64, d+1)
	c.D = make([]float64, d+1)

	for j := 0; j <= d; j++ {
		coeff := lagrangeCoeffs(tau, j)
		der := polyDerive(coeff)
		c.C[j] = make([]float64, d+1)
		for r := 0; r <= d; r++ {
			c.C[j][r] = polyEval(der, tau[r])
		}
		c.D[j] = polyEval(coeff, 1.0)
	}
	return c, nil
}

// lagrangeCoeffs solves the Vandermonde system V a = e_j for the monomial
// coefficients of the Lagrange basis polynomial L_j over the points tau.
func lagrangeCoeffs(tau []float64, j int) []float64 {
	n := len(tau)
	v := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		p := 1.0
		for m := 0; m < n; m++ {
			v.Set(i, m, p)
			p *= tau[i]
		}
	}
	e := mat.NewVecDense(n, nil)
	e.SetVec(j, 1)

	var a mat.VecDense
	if err := a.SolveVec(v, e); err != nil {
		// The Radau points are distinct, so V is always invertible.
		panic(fmt.Sprintf("collocation: singular Vandermonde system: %v", err))
	}
	out := make([]float64, n)
	for m := 0; m < n; m++ {
		out[m] = a.AtVec(m)
	}
	return out
}

// polyDerive differentiates monomial coefficients (ascending order).
func polyDerive(c []float64) []float64 {
	if len(c) <= 1 {
		return []float64{0}
	}
	d := make([]float64, len(c)-1)
	for i := 1; i < len(c); i++ {
		d[i-1] = float64(i) * c[i]
	}
	return d
}

// polyEval evaluates monomial coefficients (ascending order) at t.
func polyEval(c []float64, t float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*t + c[i]
	}
	return v
}
