package collocation

import (
	"errors"
	"fmt"

	"github.com/mcx/do-mpc/model"
)

// Config selects the discretization of one control interval.
type Config struct {
	// Degree of the collocation polynomial. Must be in [1, MaxDegree] for
	// continuous models; ignored for discrete models.
	Degree int
	// FiniteElements splits the control interval into this many elements,
	// each carrying Degree collocation points. Ignored for discrete models.
	FiniteElements int
	// TStep is the control interval length.
	TStep float64
}

var (
	ErrDegree   = errors.New("collocation: degree must be at least 1 for continuous models")
	ErrElements = errors.New("collocation: finite element count must be at least 1")
	ErrTStep    = errors.New("collocation: step size must be positive")
)

// Discretizer is a pure function from a stage's boundary state, internal
// unknowns and input to defect residuals plus the predicted interval-end
// state. States and inputs are handed over in scaled units; residuals come
// back in scaled units as well, so zero bounds apply uniformly.
//
// A Discretizer owns scratch buffers and is therefore not safe for
// concurrent use. The runtime is single threaded by contract.
type Discretizer struct {
	m      *model.Model
	deg    int
	ni     int
	h      float64 // element length: TStep / FiniteElements
	coeffs *Coeffs

	nx, nu, nz             int
	xScale, uScale, zScale []float64

	// scratch
	xPhys, uPhys, zPhys []float64
	fBuf, gBuf          []float64
	elemStart, elemEnd  []float64
}

// NewDiscretizer validates the configuration and precomputes the
// collocation coefficient tables.
func NewDiscretizer(m *model.Model, cfg Config, xScale, uScale, zScale []float64) (*Discretizer, error) {
	if len(xScale) != m.NX() || len(uScale) != m.NU() || len(zScale) != m.NZ() {
		return nil, fmt.Errorf("collocation: scaling lengths (%d,%d,%d) do not match model (%d,%d,%d)",
			len(xScale), len(uScale), len(zScale), m.NX(), m.NU(), m.NZ())
	}
	d := &Discretizer{
		m:      m,
		nx:     m.NX(),
		nu:     m.NU(),
		nz:     m.NZ(),
		xScale: xScale,
		uScale: uScale,
		zScale: zScale,

		xPhys: make([]float64, m.NX()),
		uPhys: make([]float64, m.NU()),
		zPhys: make([]float64, m.NZ()),
		fBuf:  make([]float64, m.NX()),
		gBuf:  make([]float64, m.NZ()),
	}
	if m.Type() == model.Discrete {
		return d, nil
	}

	if cfg.Degree < 1 {
		return nil, ErrDegree
	}
	if cfg.FiniteElements < 1 {
		return nil, ErrElements
	}
	if cfg.TStep <= 0 {
		return nil, ErrTStep
	}
	coeffs, err := NewRadau(cfg.Degree)
	if err != nil {
		return nil, err
	}
	d.deg = cfg.Degree
	d.ni = cfg.FiniteElements
	d.h = cfg.TStep / float64(cfg.FiniteElements)
	d.coeffs = coeffs
	d.elemStart = make([]float64, m.NX())
	d.elemEnd = make([]float64, m.NX())
	return d, nil
}

// NumCollocPoints is the number of internal collocation points per control
// interval: Degree*FiniteElements, or zero for discrete models.
func (d *Discretizer) NumCollocPoints() int { return d.deg * d.ni }

// NumResiduals is the number of defect residual rows Eval writes, not
// counting the continuity defect handled by the assembler.
func (d *Discretizer) NumResiduals() int {
	if d.m.Type() == model.Discrete {
		return d.nz
	}
	n := d.ni * d.deg * d.nx
	if d.nz > 0 {
		n += d.ni * d.deg * d.nz
	}
	return n
}

// Eval maps one interval of one branch.
//
//	x0      scaled boundary state of the parent node (nx)
//	collocX scaled internal collocation states (NumCollocPoints * nx)
//	u       scaled input of the stage (nu)
//	collocZ scaled algebraic values, one slot per collocation point
//	        (discrete or no collocation: a single slot when nz > 0)
//	tvp, p  physical time-varying and uncertain parameters
//	w       disturbance placeholder, currently unused
//	res     receives NumResiduals values
//	xf      receives the scaled predicted interval-end state (nx)
func (d *Discretizer) Eval(x0, collocX, u, collocZ, tvp, p, w []float64, res, xf []float64) {
	for i := 0; i < d.nu; i++ {
		d.uPhys[i] = u[i] * d.uScale[i]
	}

	if d.m.Type() == model.Discrete {
		d.evalDiscrete(x0, collocZ, tvp, p, res, xf)
		return
	}

	ri := 0
	copy(d.elemStart, x0)
	for e := 0; e < d.ni; e++ {
		base := e * d.deg
		for j := 1; j <= d.deg; j++ {
			pt := collocX[(base+j-1)*d.nx : (base+j)*d.nx]
			for q := 0; q < d.nx; q++ {
				d.xPhys[q] = pt[q] * d.xScale[q]
			}
			var zPt []float64
			if d.nz > 0 {
				zPt = collocZ[(base+j-1)*d.nz : (base+j)*d.nz]
				for q := 0; q < d.nz; q++ {
					d.zPhys[q] = zPt[q] * d.zScale[q]
				}
			}
			d.m.EvalRHS(d.xPhys, d.uPhys, d.zPhys, p, tvp, d.fBuf)

			// Collocation defect: the polynomial derivative at tau_j must
			// match the (scaled) right-hand side.
			for q := 0; q < d.nx; q++ {
				v := d.coeffs.C[0][j] * d.elemStart[q]
				for r := 1; r <= d.deg; r++ {
					v += d.coeffs.C[r][j] * collocX[(base+r-1)*d.nx+q]
				}
				res[ri] = v - d.h*d.fBuf[q]/d.xScale[q]
				ri++
			}
			if d.nz > 0 {
				d.m.EvalAlg(d.xPhys, d.uPhys, d.zPhys, p, tvp, d.gBuf)
				copy(res[ri:ri+d.nz], d.gBuf)
				ri += d.nz
			}
		}
		// Polynomial endpoint becomes the next element's start.
		for q := 0; q < d.nx; q++ {
			v := d.coeffs.D[0] * d.elemStart[q]
			for r := 1; r <= d.deg; r++ {
				v += d.coeffs.D[r] * collocX[(base+r-1)*d.nx+q]
			}
			d.elemEnd[q] = v
		}
		copy(d.elemStart, d.elemEnd)
	}
	copy(xf, d.elemStart)
}

func (d *Discretizer) evalDiscrete(x0, collocZ, tvp, p, res, xf []float64) {
	for q := 0; q < d.nx; q++ {
		d.xPhys[q] = x0[q] * d.xScale[q]
	}
	if d.nz > 0 {
		for q := 0; q < d.nz; q++ {
			d.zPhys[q] = collocZ[q] * d.zScale[q]
		}
	}
	d.m.EvalRHS(d.xPhys, d.uPhys, d.zPhys, p, tvp, d.fBuf)
	for q := 0; q < d.nx; q++ {
		xf[q] = d.fBuf[q] / d.xScale[q]
	}
	if d.nz > 0 {
		d.m.EvalAlg(d.xPhys, d.uPhys, d.zPhys, p, tvp, d.gBuf)
		copy(res, d.gBuf)
	}
}
