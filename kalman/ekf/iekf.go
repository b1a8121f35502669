package ekf

import (
	"fmt"

	"github.com/pipigenius/ukfm"
	"github.com/pipigenius/ukfm/matrix"
	"gonum.org/v1/gonum/mat"
)

// IEKF is an Iterated Extended Kalman Filter. Its update step repeatedly
// re-linearizes the observation around the refreshed state estimate which
// improves the correction when the observation function is strongly
// nonlinear. IEKF with a single iteration is equivalent to EKF.
type IEKF struct {
	// IEKF embeds EKF
	*EKF
	// n is number of update iterations
	n int
}

// NewIter creates new IEKF with n update iterations and returns it.
// It accepts the following parameters:
//   - m:  dynamical system model
//   - mf: state manifold retraction pair
//   - ic: initial condition of the filter
//   - q:  state a.k.a. process noise
//   - r:  output a.k.a. measurement noise
//   - n:  number of update iterations
//
// It returns error wrapping ukfm.ErrConfiguration if n is non-positive or
// if any of the EKF configuration checks fails.
func NewIter(m ukfm.Model, mf ukfm.Manifold, ic ukfm.InitCond, q, r ukfm.Noise, n int) (*IEKF, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of update iterations %d: %w", n, ukfm.ErrConfiguration)
	}

	// IEKF is EKF which uses iterating updates
	f, err := New(m, mf, ic, q, r)
	if err != nil {
		return nil, err
	}

	return &IEKF{
		EKF: f,
		n:   n,
	}, nil
}

// Update corrects the filter state estimate using measurement z.
// Each iteration observes the model and re-linearizes the observation at the
// latest state iterate while the correction is always retracted from the
// pre-update estimate.
func (k *IEKF) Update(z mat.Vector) error {
	_, _, ny, _ := k.m.SystemDims()
	d := k.mf.Dim()

	if z == nil || z.Len() != ny {
		return fmt.Errorf("invalid measurement length: %w", ukfm.ErrConfiguration)
	}

	xCur := &mat.VecDense{}
	xCur.CloneFromVec(k.x)
	xi := mat.NewVecDense(d, nil)

	inn := mat.NewVecDense(ny, nil)
	gain := mat.NewDense(d, ny, nil)
	var h *mat.Dense

	for i := 0; i < k.n; i++ {
		y, err := k.m.Observe(xCur)
		if err != nil {
			return fmt.Errorf("failed to observe system output: %v", err)
		}

		h, err = k.observationJacobian(xCur)
		if err != nil {
			return err
		}

		// P*H'
		pxy := mat.NewDense(d, ny, nil)
		pxy.Mul(k.p, h.T())

		// H*P*H' + R
		pyy := mat.NewDense(ny, ny, nil)
		pyy.Mul(h, pxy)
		if !matrix.IsZero(k.r.Cov()) {
			pyy.Add(pyy, k.r.Cov())
		}

		// calculate Kalman gain
		pyyInv := &mat.Dense{}
		if err := pyyInv.Inverse(pyy); err != nil {
			return fmt.Errorf("failed to invert innovation covariance: %w", ukfm.ErrNumericalInstability)
		}
		gain.Mul(pxy, pyyInv)

		// z - h(x_i) + H*xi_i
		inn.SubVec(z, y)
		res := mat.NewVecDense(ny, nil)
		res.MulVec(h, xi)
		res.AddVec(inn, res)

		// update the tangent space correction and the state iterate
		xi.MulVec(gain, res)
		xNext, err := k.mf.Phi(k.x, xi)
		if err != nil {
			return fmt.Errorf("failed to retract state correction: %v", err)
		}
		xCur.CloneFromVec(xNext)
	}

	pCorr, err := k.josephCov(gain, h)
	if err != nil {
		return err
	}

	// it's safe to update the filter state
	k.x.CloneFromVec(xCur)
	k.p.CopySym(pCorr)
	k.inn.CopyVec(inn)
	k.k.Copy(gain)

	return nil
}
