package manifold

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SE23 is the extended pose group SE_2(3) manifold used by inertial
// navigation. Its states stack the attitude quaternion, the velocity and
// the position into [w x y z vx vy vz px py pz] vectors, its tangent space
// vectors stack the rotation, velocity and position perturbations.
type SE23 struct {
	side Side
}

// NewSE23 creates new SE23 manifold with the given perturbation side and returns it.
// It returns error if side is not a valid retraction side.
func NewSE23(side Side) (*SE23, error) {
	if side != Right && side != Left {
		return nil, fmt.Errorf("invalid retraction side: %d", side)
	}

	return &SE23{side: side}, nil
}

// Dim returns the tangent space dimension
func (m *SE23) Dim() int { return 9 }

// Phi retracts tangent vector xi onto the manifold at state x using the
// group exponential of SE_2(3).
func (m *SE23) Phi(x, xi mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 10 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if xi == nil || xi.Len() != 9 {
		return nil, fmt.Errorf("invalid tangent vector length: %d", vecLen(xi))
	}

	q, v, p := subVec(x, 0, 4), subVec(x, 4, 7), subVec(x, 7, 10)
	xiR, xiV, xiP := subVec(xi, 0, 3), subVec(xi, 3, 6), subVec(xi, 6, 9)

	j := SO3LeftJacobian(xiR)
	jv := mat.NewVecDense(3, nil)
	jv.MulVec(j, xiV)
	jp := mat.NewVecDense(3, nil)
	jp.MulVec(j, xiP)

	dq := QuatExp(xiR)

	var qn, vn, pn *mat.VecDense
	if m.side == Left {
		qn = QuatMul(dq, q)
		vn = QuatApply(dq, v)
		vn.AddVec(vn, jv)
		pn = QuatApply(dq, p)
		pn.AddVec(pn, jp)
	} else {
		qn = QuatMul(q, dq)
		vn = QuatApply(q, jv)
		vn.AddVec(vn, v)
		pn = QuatApply(q, jp)
		pn.AddVec(pn, p)
	}

	out := mat.NewVecDense(10, nil)
	copyAt(out, 0, qn)
	copyAt(out, 4, vn)
	copyAt(out, 7, pn)

	return out, nil
}

// PhiInv returns the tangent vector at state x pointing to state y,
// the group logarithm of the SE_2(3) increment between them.
func (m *SE23) PhiInv(x, y mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 10 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if y == nil || y.Len() != 10 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(y))
	}

	qx, vx, px := subVec(x, 0, 4), subVec(x, 4, 7), subVec(x, 7, 10)
	qy, vy, py := subVec(y, 0, 4), subVec(y, 4, 7), subVec(y, 7, 10)

	var xiR, dv, dp *mat.VecDense
	if m.side == Left {
		dq := QuatMul(qy, QuatInv(qx))
		xiR = QuatLog(dq)
		dv = QuatApply(dq, vx)
		dv.SubVec(vy, dv)
		dp = QuatApply(dq, px)
		dp.SubVec(py, dp)
	} else {
		dq := QuatMul(QuatInv(qx), qy)
		xiR = QuatLog(dq)
		dv = mat.NewVecDense(3, nil)
		dv.SubVec(vy, vx)
		dv = QuatApply(QuatInv(qx), dv)
		dp = mat.NewVecDense(3, nil)
		dp.SubVec(py, px)
		dp = QuatApply(QuatInv(qx), dp)
	}

	jInv := so3LeftJacobianInv(xiR)
	xiV := mat.NewVecDense(3, nil)
	xiV.MulVec(jInv, dv)
	xiP := mat.NewVecDense(3, nil)
	xiP.MulVec(jInv, dp)

	out := mat.NewVecDense(9, nil)
	copyAt(out, 0, xiR)
	copyAt(out, 3, xiV)
	copyAt(out, 6, xiP)

	return out, nil
}

// subVec returns a copy of v[from:to].
func subVec(v mat.Vector, from, to int) *mat.VecDense {
	out := mat.NewVecDense(to-from, nil)
	for i := from; i < to; i++ {
		out.SetVec(i-from, v.AtVec(i))
	}

	return out
}

// copyAt copies v into dst starting at index at.
func copyAt(dst *mat.VecDense, at int, v mat.Vector) {
	for i := 0; i < v.Len(); i++ {
		dst.SetVec(at+i, v.AtVec(i))
	}
}
