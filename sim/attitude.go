package sim

import (
	"fmt"

	"github.com/pipigenius/ukfm/manifold"
	"gonum.org/v1/gonum/mat"
)

// Attitude is an orientation estimation model on the rotation group. Its
// state is a unit quaternion [w x y z], its control input is the body
// angular rate measured by a gyroscope and its process noise perturbs the
// rate. It observes two known world frame direction vectors, gravity and
// the magnetic field, expressed in the body frame the way an accelerometer
// and a magnetometer see them.
//
// The model implements ukfm.Linearized with exact Jacobians in the right
// tangent convention, so analytic linearization pairs it with a Right
// retraction.
type Attitude struct {
	// g is the gravity direction in the world frame
	g *mat.VecDense
	// b is the magnetic field direction in the world frame
	b *mat.VecDense
}

// NewAttitude creates new Attitude model observing world frame gravity
// direction g and magnetic field direction b. It returns error if either
// direction is not a 3 dimensional vector.
func NewAttitude(g, b mat.Vector) (*Attitude, error) {
	if g == nil || g.Len() != 3 {
		return nil, fmt.Errorf("invalid gravity direction vector")
	}

	if b == nil || b.Len() != 3 {
		return nil, fmt.Errorf("invalid magnetic field direction vector")
	}

	gv := &mat.VecDense{}
	gv.CloneFromVec(g)
	bv := &mat.VecDense{}
	bv.CloneFromVec(b)

	return &Attitude{g: gv, b: bv}, nil
}

// Propagate propagates quaternion state x over time step dt given body
// angular rate u and rate noise w.
func (a *Attitude) Propagate(x, u, w mat.Vector, dt float64) (mat.Vector, error) {
	if x == nil || x.Len() != 4 {
		return nil, fmt.Errorf("invalid state vector")
	}

	if u != nil && u.Len() != 0 && u.Len() != 3 {
		return nil, fmt.Errorf("invalid input vector")
	}

	if w != nil && w.Len() != 0 && w.Len() != 3 {
		return nil, fmt.Errorf("invalid noise vector")
	}

	omega := mat.NewVecDense(3, nil)
	if u != nil && u.Len() == 3 {
		omega.CopyVec(u)
	}
	if w != nil && w.Len() == 3 {
		omega.AddVec(omega, w)
	}
	omega.ScaleVec(dt, omega)

	return manifold.QuatMul(x, manifold.QuatExp(omega)), nil
}

// Observe returns the gravity and magnetic field directions in the body
// frame of quaternion state x, stacked into a single vector.
func (a *Attitude) Observe(x mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 4 {
		return nil, fmt.Errorf("invalid state vector")
	}

	qInv := manifold.QuatInv(x)
	yg := manifold.QuatApply(qInv, a.g)
	yb := manifold.QuatApply(qInv, a.b)

	return mat.NewVecDense(6, []float64{
		yg.AtVec(0), yg.AtVec(1), yg.AtVec(2),
		yb.AtVec(0), yb.AtVec(1), yb.AtVec(2),
	}), nil
}

// SystemDims returns the model dimensions
func (a *Attitude) SystemDims() (nx, nu, ny, nq int) {
	return 4, 3, 6, 3
}

// PropagationJacobian returns the right tangent propagation Jacobian
// R(Exp(u*dt))' at state x.
func (a *Attitude) PropagationJacobian(x, u mat.Vector, dt float64) (mat.Matrix, error) {
	omega := a.rate(u, dt)

	f := &mat.Dense{}
	f.CloneFrom(manifold.QuatToRot(manifold.QuatExp(omega)).T())

	return f, nil
}

// NoiseJacobian returns the right tangent noise Jacobian dt*Jr(u*dt)
// at state x, where Jr is the right Jacobian of the rotation group.
func (a *Attitude) NoiseJacobian(x, u mat.Vector, dt float64) (mat.Matrix, error) {
	omega := a.rate(u, dt)
	omega.ScaleVec(-1, omega)

	g := manifold.SO3LeftJacobian(omega)
	g.Scale(dt, g)

	return g, nil
}

// ObservationJacobian returns the right tangent observation Jacobian
// [Skew(R'g); Skew(R'b)] at state x.
func (a *Attitude) ObservationJacobian(x mat.Vector) (mat.Matrix, error) {
	if x == nil || x.Len() != 4 {
		return nil, fmt.Errorf("invalid state vector")
	}

	qInv := manifold.QuatInv(x)
	sg := manifold.Skew(manifold.QuatApply(qInv, a.g))
	sb := manifold.Skew(manifold.QuatApply(qInv, a.b))

	h := mat.NewDense(6, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, sg.At(i, j))
			h.Set(3+i, j, sb.At(i, j))
		}
	}

	return h, nil
}

// rate returns the angular rate integrated over dt
func (a *Attitude) rate(u mat.Vector, dt float64) *mat.VecDense {
	omega := mat.NewVecDense(3, nil)
	if u != nil && u.Len() == 3 {
		omega.CopyVec(u)
	}
	omega.ScaleVec(dt, omega)

	return omega
}
