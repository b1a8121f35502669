package ekf

import (
	"fmt"

	"github.com/pipigenius/ukfm"
	"github.com/pipigenius/ukfm/matrix"
	"github.com/pipigenius/ukfm/noise"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// EKF is an Extended Kalman Filter on a manifold. It linearizes the system
// model in the tangent space of its retraction pair, so the same code runs
// the vector space EKF with a Euclidean retraction and the invariant EKF
// with a group retraction. Models implementing ukfm.Linearized supply
// analytic Jacobians, all other models are differentiated numerically.
type EKF struct {
	// m is EKF system model
	m ukfm.Model
	// lin is non-nil when the model supplies analytic Jacobians
	lin ukfm.Linearized
	// mf is the state manifold retraction pair
	mf ukfm.Manifold
	// q is state noise a.k.a. process noise
	q ukfm.Noise
	// r is output noise a.k.a. measurement noise
	r ukfm.Noise
	// x is the current state estimate
	x *mat.VecDense
	// p is the tangent space covariance of the state estimate
	p *mat.SymDense
	// inn is innovation vector
	inn *mat.VecDense
	// k is Kalman gain
	k *mat.Dense
}

// New creates new EKF and returns it.
// It accepts the following parameters:
//   - m:  dynamical system model
//   - mf: state manifold retraction pair
//   - ic: initial condition of the filter
//   - q:  state a.k.a. process noise
//   - r:  output a.k.a. measurement noise
//
// It returns error wrapping ukfm.ErrConfiguration if the model, manifold
// and noise dimensions do not agree with each other.
func New(m ukfm.Model, mf ukfm.Manifold, ic ukfm.InitCond, q, r ukfm.Noise) (*EKF, error) {
	nx, _, ny, nq := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions [%d x %d]: %w", nx, ny, ukfm.ErrConfiguration)
	}

	d := mf.Dim()
	if d <= 0 {
		return nil, fmt.Errorf("invalid manifold dimension %d: %w", d, ukfm.ErrConfiguration)
	}

	if ic.State().Len() != nx {
		return nil, fmt.Errorf("invalid initial state length %d: %w", ic.State().Len(), ukfm.ErrConfiguration)
	}

	if ic.Cov().SymmetricDim() != d {
		return nil, fmt.Errorf("invalid initial covariance dimension %d: %w", ic.Cov().SymmetricDim(), ukfm.ErrConfiguration)
	}

	if q != nil {
		if dim := q.Cov().SymmetricDim(); dim != 0 && dim != nq {
			return nil, fmt.Errorf("invalid state noise dimension %d: %w", dim, ukfm.ErrConfiguration)
		}
	} else {
		q, _ = noise.NewNone()
	}

	if r != nil {
		if dim := r.Cov().SymmetricDim(); dim != 0 && dim != ny {
			return nil, fmt.Errorf("invalid output noise dimension %d: %w", dim, ukfm.ErrConfiguration)
		}
	} else {
		r, _ = noise.NewNone()
	}

	lin, _ := m.(ukfm.Linearized)

	x := &mat.VecDense{}
	x.CloneFromVec(ic.State())

	p := mat.NewSymDense(d, nil)
	p.CopySym(ic.Cov())

	return &EKF{
		m:   m,
		lin: lin,
		mf:  mf,
		q:   q,
		r:   r,
		x:   x,
		p:   p,
		inn: mat.NewVecDense(ny, nil),
		k:   mat.NewDense(d, ny, nil),
	}, nil
}

// propagationJacobian returns the tangent space propagation Jacobian at the
// current state: the derivative of the propagated tangent perturbation with
// respect to the state tangent perturbation.
func (k *EKF) propagationJacobian(u mat.Vector, dt float64, xNext mat.Vector) (*mat.Dense, error) {
	d := k.mf.Dim()

	if k.lin != nil {
		fj, err := k.lin.PropagationJacobian(k.x, u, dt)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate propagation jacobian: %v", err)
		}

		f := &mat.Dense{}
		f.CloneFrom(fj)
		return f, nil
	}

	f := mat.NewDense(d, d, nil)
	fd.Jacobian(f, func(xiNext, xi []float64) {
		s, err := k.mf.Phi(k.x, mat.NewVecDense(d, xi))
		if err != nil {
			panic(err)
		}

		sNext, err := k.m.Propagate(s, u, nil, dt)
		if err != nil {
			panic(err)
		}

		out, err := k.mf.PhiInv(xNext, sNext)
		if err != nil {
			panic(err)
		}

		for i := range xiNext {
			xiNext[i] = out.AtVec(i)
		}
	}, make([]float64, d), &fd.JacobianSettings{
		Formula:    fd.Central,
		Concurrent: true,
	})

	return f, nil
}

// noiseJacobian returns the tangent space noise Jacobian at the current
// state: the derivative of the propagated tangent perturbation with respect
// to the process noise vector.
func (k *EKF) noiseJacobian(u mat.Vector, dt float64, xNext mat.Vector) (*mat.Dense, error) {
	d := k.mf.Dim()
	_, _, _, nq := k.m.SystemDims()

	if k.lin != nil {
		gj, err := k.lin.NoiseJacobian(k.x, u, dt)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate noise jacobian: %v", err)
		}

		g := &mat.Dense{}
		g.CloneFrom(gj)
		return g, nil
	}

	g := mat.NewDense(d, nq, nil)
	fd.Jacobian(g, func(xiNext, w []float64) {
		sNext, err := k.m.Propagate(k.x, u, mat.NewVecDense(nq, w), dt)
		if err != nil {
			panic(err)
		}

		out, err := k.mf.PhiInv(xNext, sNext)
		if err != nil {
			panic(err)
		}

		for i := range xiNext {
			xiNext[i] = out.AtVec(i)
		}
	}, make([]float64, nq), &fd.JacobianSettings{
		Formula:    fd.Central,
		Concurrent: true,
	})

	return g, nil
}

// observationJacobian returns the tangent space observation Jacobian at
// state x: the derivative of the model output with respect to the state
// tangent perturbation.
func (k *EKF) observationJacobian(x mat.Vector) (*mat.Dense, error) {
	d := k.mf.Dim()
	_, _, ny, _ := k.m.SystemDims()

	if k.lin != nil {
		hj, err := k.lin.ObservationJacobian(x)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate observation jacobian: %v", err)
		}

		h := &mat.Dense{}
		h.CloneFrom(hj)
		return h, nil
	}

	h := mat.NewDense(ny, d, nil)
	fd.Jacobian(h, func(y, xi []float64) {
		s, err := k.mf.Phi(x, mat.NewVecDense(d, xi))
		if err != nil {
			panic(err)
		}

		out, err := k.m.Observe(s)
		if err != nil {
			panic(err)
		}

		for i := range y {
			y[i] = out.AtVec(i)
		}
	}, make([]float64, d), &fd.JacobianSettings{
		Formula:    fd.Central,
		Concurrent: true,
	})

	return h, nil
}

// Propagate propagates the filter state estimate to the next step given
// control input u and time step dt.
func (k *EKF) Propagate(u mat.Vector, dt float64) error {
	// propagate state estimate with zero noise
	xNext, err := k.m.Propagate(k.x, u, nil, dt)
	if err != nil {
		return fmt.Errorf("system state propagation failed: %v", err)
	}

	f, err := k.propagationJacobian(u, dt, xNext)
	if err != nil {
		return err
	}

	// F*P*F'
	fp := &mat.Dense{}
	fp.Mul(f, k.p)
	cov := &mat.Dense{}
	cov.Mul(fp, f.T())

	// G*Q*G'
	if !matrix.IsZero(k.q.Cov()) {
		g, err := k.noiseJacobian(u, dt, xNext)
		if err != nil {
			return err
		}

		gq := &mat.Dense{}
		gq.Mul(g, k.q.Cov())
		gqg := &mat.Dense{}
		gqg.Mul(gq, g.T())
		cov.Add(cov, gqg)
	}

	// it's safe to update the filter state
	k.x.CloneFromVec(xNext)
	k.p.CopySym(matrix.Symmetrize(cov))

	return nil
}

// Update corrects the filter state estimate using measurement z.
// It returns error wrapping ukfm.ErrConfiguration if the measurement length
// does not match the model output and error wrapping
// ukfm.ErrNumericalInstability if the innovation covariance can not be
// inverted; the filter state is then left unchanged.
func (k *EKF) Update(z mat.Vector) error {
	_, _, ny, _ := k.m.SystemDims()
	d := k.mf.Dim()

	if z == nil || z.Len() != ny {
		return fmt.Errorf("invalid measurement length: %w", ukfm.ErrConfiguration)
	}

	y, err := k.m.Observe(k.x)
	if err != nil {
		return fmt.Errorf("failed to observe system output: %v", err)
	}

	h, err := k.observationJacobian(k.x)
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
	gain := &mat.Dense{}
	gain.Mul(pxy, pyyInv)

	// innovation vector
	inn := &mat.VecDense{}
	inn.SubVec(z, y)

	// retract the tangent space correction onto the manifold
	corr := mat.NewVecDense(d, nil)
	corr.MulVec(gain, inn)
	xNext, err := k.mf.Phi(k.x, corr)
	if err != nil {
		return fmt.Errorf("failed to retract state correction: %v", err)
	}

	pCorr, err := k.josephCov(gain, h)
	if err != nil {
		return err
	}

	// it's safe to update the filter state
	k.x.CloneFromVec(xNext)
	k.p.CopySym(pCorr)
	k.inn.CopyVec(inn)
	k.k.Copy(gain)

	return nil
}

// josephCov returns the Joseph form corrected covariance
// (I-K*H)*P*(I-K*H)' + K*R*K' which keeps the result symmetric positive
// semi-definite for any gain.
func (k *EKF) josephCov(gain, h *mat.Dense) (*mat.SymDense, error) {
	d := k.mf.Dim()

	eye := mat.NewDiagDense(d, nil)
	for i := 0; i < d; i++ {
		eye.SetDiag(i, 1.0)
	}

	// I - K*H
	a := &mat.Dense{}
	a.Mul(gain, h)
	a.Sub(eye, a)

	ap := &mat.Dense{}
	ap.Mul(a, k.p)
	apa := &mat.Dense{}
	apa.Mul(ap, a.T())

	// K*R*K'
	if !matrix.IsZero(k.r.Cov()) {
		kr := &mat.Dense{}
		kr.Mul(gain, k.r.Cov())
		krk := &mat.Dense{}
		krk.Mul(kr, gain.T())
		apa.Add(apa, krk)
	}

	return matrix.Symmetrize(apa), nil
}

// State returns a copy of the current filter state estimate.
func (k *EKF) State() mat.Vector {
	x := &mat.VecDense{}
	x.CloneFromVec(k.x)

	return x
}

// Cov returns a copy of the current tangent space state covariance.
func (k *EKF) Cov() mat.Symmetric {
	cov := mat.NewSymDense(k.p.SymmetricDim(), nil)
	cov.CopySym(k.p)

	return cov
}

// SetCov sets the filter state covariance to cov.
// It returns error if cov is nil or does not match the tangent space dimension.
func (k *EKF) SetCov(cov mat.Symmetric) error {
	if cov == nil || cov.SymmetricDim() != k.p.SymmetricDim() {
		return fmt.Errorf("invalid covariance dimensions: %w", ukfm.ErrConfiguration)
	}

	k.p.CopySym(cov)

	return nil
}

// Gain returns Kalman gain
func (k *EKF) Gain() mat.Matrix {
	gain := &mat.Dense{}
	gain.CloneFrom(k.k)

	return gain
}

// Model returns the filter system model
func (k *EKF) Model() ukfm.Model {
	return k.m
}

// Manifold returns the filter state manifold
func (k *EKF) Manifold() ukfm.Manifold {
	return k.mf
}

// StateNoise returns state noise
func (k *EKF) StateNoise() ukfm.Noise {
	return k.q
}

// OutputNoise returns output noise
func (k *EKF) OutputNoise() ukfm.Noise {
	return k.r
}
