package sim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Linear is a linear, discrete-time, dynamical system defined by the
// traditional matrices of modern control theory:
//
//	x[n+1] = A*x[n] + B*u[n] + E*w[n]
//	y[n]   = C*x[n]
//
// When E is nil the process noise w is added to the state directly.
// The system matrices are discrete time, so Propagate ignores dt.
// Paired with a Euclidean retraction its tangent space Jacobians are the
// system matrices themselves, which Linear supplies analytically.
type Linear struct {
	// A is internal state matrix
	A *mat.Dense
	// B is control matrix
	B *mat.Dense
	// C is output state matrix
	C *mat.Dense
	// E is process noise matrix
	E *mat.Dense
}

// NewLinear creates a linear discrete-time model and returns it.
// It returns error if either the state or the output matrix is nil.
func NewLinear(A, B, C, E *mat.Dense) (*Linear, error) {
	if A == nil {
		return nil, fmt.Errorf("system matrix must be defined for a model")
	}

	if C == nil {
		return nil, fmt.Errorf("output matrix must be defined for a model")
	}

	return &Linear{A: A, B: B, C: C, E: E}, nil
}

// Propagate propagates the internal state x of the system to the next step
// given control input u and process noise w.
func (l *Linear) Propagate(x, u, w mat.Vector, dt float64) (mat.Vector, error) {
	nx, nu, _, nq := l.SystemDims()
	if x == nil || x.Len() != nx {
		return nil, fmt.Errorf("invalid state vector")
	}

	if u != nil && u.Len() != 0 && u.Len() != nu {
		return nil, fmt.Errorf("invalid input vector")
	}

	out := new(mat.Dense)
	out.Mul(l.A, x)

	if u != nil && u.Len() != 0 && l.B != nil {
		outU := new(mat.Dense)
		outU.Mul(l.B, u)

		out.Add(out, outU)
	}

	if w != nil && w.Len() != 0 {
		if w.Len() != nq {
			return nil, fmt.Errorf("invalid noise vector")
		}

		if l.E != nil {
			outW := new(mat.Dense)
			outW.Mul(l.E, w)

			out.Add(out, outW)
		} else {
			out.Add(out, w)
		}
	}

	return out.ColView(0), nil
}

// Observe returns the external state of the system given internal state x.
func (l *Linear) Observe(x mat.Vector) (mat.Vector, error) {
	nx, _, _, _ := l.SystemDims()
	if x == nil || x.Len() != nx {
		return nil, fmt.Errorf("invalid state vector")
	}

	out := new(mat.Dense)
	out.Mul(l.C, x)

	return out.ColView(0), nil
}

// SystemDims returns internal state length (nx), input vector length (nu),
// output vector length (ny) and process noise vector length (nq).
func (l *Linear) SystemDims() (nx, nu, ny, nq int) {
	nx, _ = l.A.Dims()
	if l.B != nil {
		_, nu = l.B.Dims()
	}
	ny, _ = l.C.Dims()
	nq = nx
	if l.E != nil {
		_, nq = l.E.Dims()
	}

	return nx, nu, ny, nq
}

// PropagationJacobian returns the state propagation matrix A.
func (l *Linear) PropagationJacobian(x, u mat.Vector, dt float64) (mat.Matrix, error) {
	f := &mat.Dense{}
	f.CloneFrom(l.A)

	return f, nil
}

// NoiseJacobian returns the process noise matrix E, or identity when E is nil.
func (l *Linear) NoiseJacobian(x, u mat.Vector, dt float64) (mat.Matrix, error) {
	if l.E != nil {
		g := &mat.Dense{}
		g.CloneFrom(l.E)

		return g, nil
	}

	nx, _ := l.A.Dims()
	g := mat.NewDense(nx, nx, nil)
	for i := 0; i < nx; i++ {
		g.Set(i, i, 1.0)
	}

	return g, nil
}

// ObservationJacobian returns the output matrix C.
func (l *Linear) ObservationJacobian(x mat.Vector) (mat.Matrix, error) {
	h := &mat.Dense{}
	h.CloneFrom(l.C)

	return h, nil
}
