package manifold

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Compound is the mixed manifold SO(3) x R^6 over the same [q v p] states
// as SE23. It retracts the rotation part through the group exponential and
// the velocity and position parts by plain vector addition.
type Compound struct {
	side Side
}

// NewCompound creates new Compound manifold with the given perturbation side
// for its rotation part and returns it.
// It returns error if side is not a valid retraction side.
func NewCompound(side Side) (*Compound, error) {
	if side != Right && side != Left {
		return nil, fmt.Errorf("invalid retraction side: %d", side)
	}

	return &Compound{side: side}, nil
}

// Dim returns the tangent space dimension
func (m *Compound) Dim() int { return 9 }

// Phi retracts tangent vector xi onto the manifold at state x.
func (m *Compound) Phi(x, xi mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 10 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if xi == nil || xi.Len() != 9 {
		return nil, fmt.Errorf("invalid tangent vector length: %d", vecLen(xi))
	}

	q := subVec(x, 0, 4)
	xiR := subVec(xi, 0, 3)

	dq := QuatExp(xiR)
	var qn *mat.VecDense
	if m.side == Left {
		qn = QuatMul(dq, q)
	} else {
		qn = QuatMul(q, dq)
	}

	out := mat.NewVecDense(10, nil)
	copyAt(out, 0, qn)
	for i := 0; i < 6; i++ {
		out.SetVec(4+i, x.AtVec(4+i)+xi.AtVec(3+i))
	}

	return out, nil
}

// PhiInv returns the tangent vector at state x pointing to state y.
func (m *Compound) PhiInv(x, y mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 10 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if y == nil || y.Len() != 10 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(y))
	}

	qx, qy := subVec(x, 0, 4), subVec(y, 0, 4)

	var xiR *mat.VecDense
	if m.side == Left {
		xiR = QuatLog(QuatMul(qy, QuatInv(qx)))
	} else {
		xiR = QuatLog(QuatMul(QuatInv(qx), qy))
	}

	out := mat.NewVecDense(9, nil)
	copyAt(out, 0, xiR)
	for i := 0; i < 6; i++ {
		out.SetVec(3+i, y.AtVec(4+i)-x.AtVec(4+i))
	}

	return out, nil
}
