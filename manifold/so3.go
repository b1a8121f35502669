package manifold

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SO3 is the rotation group manifold. Its states are unit quaternions
// stored as [w x y z] vectors, its tangent space vectors are rotation
// vectors a.k.a. axis-angle vectors.
type SO3 struct {
	side Side
}

// NewSO3 creates new SO3 manifold with the given perturbation side and returns it.
// It returns error if side is not a valid retraction side.
func NewSO3(side Side) (*SO3, error) {
	if side != Right && side != Left {
		return nil, fmt.Errorf("invalid retraction side: %d", side)
	}

	return &SO3{side: side}, nil
}

// Dim returns the tangent space dimension
func (m *SO3) Dim() int { return 3 }

// Phi retracts rotation vector xi onto the manifold at quaternion state x.
func (m *SO3) Phi(x, xi mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 4 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if xi == nil || xi.Len() != 3 {
		return nil, fmt.Errorf("invalid tangent vector length: %d", vecLen(xi))
	}

	dq := QuatExp(xi)
	if m.side == Left {
		return QuatMul(dq, x), nil
	}

	return QuatMul(x, dq), nil
}

// PhiInv returns the rotation vector at quaternion state x pointing to quaternion state y.
func (m *SO3) PhiInv(x, y mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 4 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if y == nil || y.Len() != 4 {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(y))
	}

	if m.side == Left {
		return QuatLog(QuatMul(y, QuatInv(x))), nil
	}

	return QuatLog(QuatMul(QuatInv(x), y)), nil
}

// QuatMul returns the Hamilton product of quaternions p and q.
func QuatMul(p, q mat.Vector) *mat.VecDense {
	pw, px, py, pz := p.AtVec(0), p.AtVec(1), p.AtVec(2), p.AtVec(3)
	qw, qx, qy, qz := q.AtVec(0), q.AtVec(1), q.AtVec(2), q.AtVec(3)

	return mat.NewVecDense(4, []float64{
		pw*qw - px*qx - py*qy - pz*qz,
		pw*qx + px*qw + py*qz - pz*qy,
		pw*qy - px*qz + py*qw + pz*qx,
		pw*qz + px*qy - py*qx + pz*qw,
	})
}

// QuatInv returns the inverse of unit quaternion q.
func QuatInv(q mat.Vector) *mat.VecDense {
	return mat.NewVecDense(4, []float64{q.AtVec(0), -q.AtVec(1), -q.AtVec(2), -q.AtVec(3)})
}

// QuatApply rotates 3 dimensional vector v by unit quaternion q.
func QuatApply(q, v mat.Vector) *mat.VecDense {
	w, x, y, z := q.AtVec(0), q.AtVec(1), q.AtVec(2), q.AtVec(3)
	vx, vy, vz := v.AtVec(0), v.AtVec(1), v.AtVec(2)

	// v' = v + w*t + q x t where t = 2 q x v
	tx := 2 * (y*vz - z*vy)
	ty := 2 * (z*vx - x*vz)
	tz := 2 * (x*vy - y*vx)

	return mat.NewVecDense(3, []float64{
		vx + w*tx + y*tz - z*ty,
		vy + w*ty + z*tx - x*tz,
		vz + w*tz + x*ty - y*tx,
	})
}

// QuatExp returns the unit quaternion of rotation vector xi.
func QuatExp(xi mat.Vector) *mat.VecDense {
	x, y, z := xi.AtVec(0), xi.AtVec(1), xi.AtVec(2)
	angle := math.Sqrt(x*x + y*y + z*z)

	var w, s float64
	if angle < eps {
		// series expansions of cos(angle/2) and sin(angle/2)/angle
		w = 1 - angle*angle/8
		s = 0.5 - angle*angle/48
	} else {
		w = math.Cos(angle / 2)
		s = math.Sin(angle/2) / angle
	}

	q := mat.NewVecDense(4, []float64{w, s * x, s * y, s * z})
	q.ScaleVec(1/mat.Norm(q, 2), q)

	return q
}

// QuatLog returns the rotation vector of unit quaternion q.
// Of the two antipodal quaternions encoding the same rotation it always
// picks the one with a non-negative scalar part, so the returned rotation
// vector is the shorter of the two equivalent rotations.
func QuatLog(q mat.Vector) *mat.VecDense {
	w, x, y, z := q.AtVec(0), q.AtVec(1), q.AtVec(2), q.AtVec(3)
	if w < 0 {
		w, x, y, z = -w, -x, -y, -z
	}

	n := math.Sqrt(x*x + y*y + z*z)

	var scale float64
	if n < eps {
		// series expansion of 2*atan2(n, w)/n
		scale = 2/w - 2*n*n/(3*w*w*w)
	} else {
		scale = 2 * math.Atan2(n, w) / n
	}

	return mat.NewVecDense(3, []float64{scale * x, scale * y, scale * z})
}

// QuatToRot returns the rotation matrix of unit quaternion q.
func QuatToRot(q mat.Vector) *mat.Dense {
	w, x, y, z := q.AtVec(0), q.AtVec(1), q.AtVec(2), q.AtVec(3)

	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// Skew returns the skew symmetric matrix of 3 dimensional vector v.
func Skew(v mat.Vector) *mat.Dense {
	x, y, z := v.AtVec(0), v.AtVec(1), v.AtVec(2)

	return mat.NewDense(3, 3, []float64{
		0, -z, y,
		z, 0, -x,
		-y, x, 0,
	})
}

// SO3LeftJacobian returns the left Jacobian of SO(3) at rotation vector xi.
// It relates additive tangent space perturbations to group perturbations:
// Exp(xi + dxi) is approximately Exp(J*dxi)*Exp(xi) for small dxi.
func SO3LeftJacobian(xi mat.Vector) *mat.Dense {
	angle := mat.Norm(xi, 2)

	var a, b float64
	if angle < eps {
		a, b = 0.5, 1.0/6.0
	} else {
		a = (1 - math.Cos(angle)) / (angle * angle)
		b = (angle - math.Sin(angle)) / (angle * angle * angle)
	}

	return jacobianSum(xi, a, b)
}

// so3LeftJacobianInv returns the inverse of the left Jacobian of SO(3) at xi.
func so3LeftJacobianInv(xi mat.Vector) *mat.Dense {
	angle := mat.Norm(xi, 2)

	var b float64
	if angle < eps {
		b = 1.0 / 12.0
	} else {
		b = 1/(angle*angle) - (1+math.Cos(angle))/(2*angle*math.Sin(angle))
	}

	return jacobianSum(xi, -0.5, b)
}

// jacobianSum returns I + a*K + b*K^2 where K is the skew matrix of xi.
func jacobianSum(xi mat.Vector, a, b float64) *mat.Dense {
	k := Skew(xi)
	kk := &mat.Dense{}
	kk.Mul(k, k)

	j := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	k.Scale(a, k)
	kk.Scale(b, kk)
	j.Add(j, k)
	j.Add(j, kk)

	return j
}

func vecLen(v mat.Vector) int {
	if v == nil {
		return 0
	}

	return v.Len()
}
