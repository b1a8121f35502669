package sim

import (
	"fmt"

	"github.com/pipigenius/ukfm/manifold"
	"gonum.org/v1/gonum/mat"
)

// Inertial is a strapdown inertial navigation model. Its state stacks a
// unit orientation quaternion [w x y z], a world frame velocity and a world
// frame position into a single 10 dimensional vector. Its control input
// stacks the IMU body angular rate and body specific force, its process
// noise perturbs both. It observes the position, the way a GNSS fix does.
type Inertial struct {
	// g is the gravity vector in the world frame
	g *mat.VecDense
}

// NewInertial creates new Inertial model with world frame gravity vector g.
// It returns error if g is not a 3 dimensional vector.
func NewInertial(g mat.Vector) (*Inertial, error) {
	if g == nil || g.Len() != 3 {
		return nil, fmt.Errorf("invalid gravity vector")
	}

	gv := &mat.VecDense{}
	gv.CloneFromVec(g)

	return &Inertial{g: gv}, nil
}

// Propagate propagates state x over time step dt given IMU input u and IMU
// noise w. The orientation integrates the angular rate on the group, the
// velocity and the position integrate the world frame acceleration.
func (n *Inertial) Propagate(x, u, w mat.Vector, dt float64) (mat.Vector, error) {
	if x == nil || x.Len() != 10 {
		return nil, fmt.Errorf("invalid state vector")
	}

	if u != nil && u.Len() != 0 && u.Len() != 6 {
		return nil, fmt.Errorf("invalid input vector")
	}

	if w != nil && w.Len() != 0 && w.Len() != 6 {
		return nil, fmt.Errorf("invalid noise vector")
	}

	omega := mat.NewVecDense(3, nil)
	acc := mat.NewVecDense(3, nil)
	if u != nil && u.Len() == 6 {
		for i := 0; i < 3; i++ {
			omega.SetVec(i, u.AtVec(i))
			acc.SetVec(i, u.AtVec(3+i))
		}
	}
	if w != nil && w.Len() == 6 {
		for i := 0; i < 3; i++ {
			omega.SetVec(i, omega.AtVec(i)+w.AtVec(i))
			acc.SetVec(i, acc.AtVec(i)+w.AtVec(3+i))
		}
	}

	q := mat.NewVecDense(4, []float64{x.AtVec(0), x.AtVec(1), x.AtVec(2), x.AtVec(3)})

	// world frame acceleration
	aw := manifold.QuatApply(q, acc)
	aw.AddVec(aw, n.g)

	omega.ScaleVec(dt, omega)
	qNext := manifold.QuatMul(q, manifold.QuatExp(omega))

	out := mat.NewVecDense(10, nil)
	for i := 0; i < 4; i++ {
		out.SetVec(i, qNext.AtVec(i))
	}
	for i := 0; i < 3; i++ {
		v := x.AtVec(4 + i)
		out.SetVec(4+i, v+aw.AtVec(i)*dt)
		out.SetVec(7+i, x.AtVec(7+i)+v*dt+0.5*aw.AtVec(i)*dt*dt)
	}

	return out, nil
}

// Observe returns the world frame position of state x.
func (n *Inertial) Observe(x mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != 10 {
		return nil, fmt.Errorf("invalid state vector")
	}

	return mat.NewVecDense(3, []float64{x.AtVec(7), x.AtVec(8), x.AtVec(9)}), nil
}

// SystemDims returns the model dimensions
func (n *Inertial) SystemDims() (nx, nu, ny, nq int) {
	return 10, 6, 3, 6
}
