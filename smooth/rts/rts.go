package rts

import (
	"fmt"

	"github.com/pipigenius/ukfm"
	"github.com/pipigenius/ukfm/estimate"
	"github.com/pipigenius/ukfm/matrix"
	"github.com/pipigenius/ukfm/noise"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// RTS is a Rauch-Tung-Striebel smoother on a manifold. It runs a backward
// pass over recorded filter estimates and corrects each one with the
// smoothed estimate of the following step. The per step propagation is
// re-linearized in the tangent space of the retraction pair: models
// implementing ukfm.Linearized supply analytic Jacobians, all other models
// are differentiated numerically.
type RTS struct {
	// m is system model
	m ukfm.Model
	// lin is non-nil when the model supplies analytic Jacobians
	lin ukfm.Linearized
	// mf is the state manifold retraction pair
	mf ukfm.Manifold
	// q is state noise a.k.a. process noise
	q ukfm.Noise
}

// New creates new RTS smoother with the following parameters and returns it:
//   - m:  system model
//   - mf: state manifold retraction pair
//   - q:  state noise a.k.a. process noise
//
// It returns error wrapping ukfm.ErrConfiguration if the model, manifold and
// noise dimensions do not agree with each other.
func New(m ukfm.Model, mf ukfm.Manifold, q ukfm.Noise) (*RTS, error) {
	nx, _, ny, nq := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions [%d x %d]: %w", nx, ny, ukfm.ErrConfiguration)
	}

	d := mf.Dim()
	if d <= 0 {
		return nil, fmt.Errorf("invalid manifold dimension %d: %w", d, ukfm.ErrConfiguration)
	}

	if q != nil {
		if dim := q.Cov().SymmetricDim(); dim != 0 && dim != nq {
			return nil, fmt.Errorf("invalid state noise dimension %d: %w", dim, ukfm.ErrConfiguration)
		}
	} else {
		q, _ = noise.NewNone()
	}

	lin, _ := m.(ukfm.Linearized)

	return &RTS{
		m:   m,
		lin: lin,
		mf:  mf,
		q:   q,
	}, nil
}

// Smooth implements the Rauch-Tung-Striebel smoothing algorithm.
// It runs backwards over the filtered estimates est, with u[i] the control
// input applied at step i and dt the fixed time step, and returns the
// smoothed estimates. The last smoothed estimate equals the last filtered
// one. Smoothed states are corrected through the manifold retraction, so
// they remain valid states.
// It returns error wrapping ukfm.ErrConfiguration if est is empty or the
// input length does not match and error wrapping ukfm.ErrNumericalInstability
// if a predicted covariance can not be inverted.
func (s *RTS) Smooth(est []ukfm.Estimate, u []mat.Vector, dt float64) ([]ukfm.Estimate, error) {
	if len(est) == 0 {
		return nil, fmt.Errorf("invalid estimates length: %w", ukfm.ErrConfiguration)
	}

	if u != nil && len(u) != len(est) {
		return nil, fmt.Errorf("invalid input vectors length: %w", ukfm.ErrConfiguration)
	}

	sx := make([]ukfm.Estimate, len(est))

	// the backward pass starts from the last filtered estimate
	e, err := estimate.NewBaseWithCov(est[len(est)-1].Val(), est[len(est)-1].Cov())
	if err != nil {
		return nil, err
	}
	sx[len(est)-1] = e

	var uEst mat.Vector
	for i := len(est) - 2; i >= 0; i-- {
		if u != nil {
			uEst = u[i]
		}

		// propagate the filtered state to the next step noise-free
		xPred, err := s.m.Propagate(est[i].Val(), uEst, nil, dt)
		if err != nil {
			return nil, fmt.Errorf("failed to propagate system state: %v", err)
		}

		f, err := s.propagationJacobian(est[i].Val(), uEst, dt, xPred)
		if err != nil {
			return nil, err
		}

		// predicted covariance: F*P*F'
		fp := &mat.Dense{}
		fp.Mul(f, est[i].Cov())
		pPred := &mat.Dense{}
		pPred.Mul(fp, f.T())

		// G*Q*G'
		if !matrix.IsZero(s.q.Cov()) {
			g, err := s.noiseJacobian(est[i].Val(), uEst, dt, xPred)
			if err != nil {
				return nil, err
			}

			gq := &mat.Dense{}
			gq.Mul(g, s.q.Cov())
			gqg := &mat.Dense{}
			gqg.Mul(gq, g.T())

			pPred.Add(pPred, gqg)
		}

		pInv := &mat.Dense{}
		if err := pInv.Inverse(pPred); err != nil {
			return nil, fmt.Errorf("failed to invert predicted covariance: %w", ukfm.ErrNumericalInstability)
		}

		// smoothing gain: P*F'*Ppred^-1
		c := &mat.Dense{}
		c.Mul(est[i].Cov(), f.T())
		c.Mul(c, pInv)

		// tangent space residual of the next smoothed state at the prediction
		xi, err := s.mf.PhiInv(xPred, sx[i+1].Val())
		if err != nil {
			return nil, fmt.Errorf("failed to map smoothed state to tangent space: %v", err)
		}

		// retract the smoothing correction onto the manifold
		corr := &mat.VecDense{}
		corr.MulVec(c, xi)
		xSmooth, err := s.mf.Phi(est[i].Val(), corr)
		if err != nil {
			return nil, fmt.Errorf("failed to retract smoothing correction: %v", err)
		}

		// smoothed covariance: P + C*(Psmooth - Ppred)*C'
		pDiff := &mat.Dense{}
		pDiff.Sub(sx[i+1].Cov(), pPred)
		cp := &mat.Dense{}
		cp.Mul(c, pDiff)
		cpc := &mat.Dense{}
		cpc.Mul(cp, c.T())
		cpc.Add(est[i].Cov(), cpc)

		e, err := estimate.NewBaseWithCov(xSmooth, matrix.Symmetrize(cpc))
		if err != nil {
			return nil, err
		}
		sx[i] = e
	}

	return sx, nil
}

// propagationJacobian returns the tangent space propagation Jacobian at
// state x: the derivative of the propagated tangent perturbation with
// respect to the state tangent perturbation.
func (s *RTS) propagationJacobian(x, u mat.Vector, dt float64, xNext mat.Vector) (*mat.Dense, error) {
	d := s.mf.Dim()

	if s.lin != nil {
		fj, err := s.lin.PropagationJacobian(x, u, dt)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate propagation jacobian: %v", err)
		}

		f := &mat.Dense{}
		f.CloneFrom(fj)
		return f, nil
	}

	f := mat.NewDense(d, d, nil)
	fd.Jacobian(f, func(xiNext, xi []float64) {
		st, err := s.mf.Phi(x, mat.NewVecDense(d, xi))
		if err != nil {
			panic(err)
		}

		sNext, err := s.m.Propagate(st, u, nil, dt)
		if err != nil {
			panic(err)
		}

		out, err := s.mf.PhiInv(xNext, sNext)
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

// noiseJacobian returns the tangent space noise Jacobian at state x: the
// derivative of the propagated tangent perturbation with respect to the
// process noise vector.
func (s *RTS) noiseJacobian(x, u mat.Vector, dt float64, xNext mat.Vector) (*mat.Dense, error) {
	d := s.mf.Dim()
	_, _, _, nq := s.m.SystemDims()

	if s.lin != nil {
		gj, err := s.lin.NoiseJacobian(x, u, dt)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate noise jacobian: %v", err)
		}

		g := &mat.Dense{}
		g.CloneFrom(gj)
		return g, nil
	}

	g := mat.NewDense(d, nq, nil)
	fd.Jacobian(g, func(xiNext, w []float64) {
		sNext, err := s.m.Propagate(x, u, mat.NewVecDense(nq, w), dt)
		if err != nil {
			panic(err)
		}

		out, err := s.mf.PhiInv(xNext, sNext)
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

// Model returns the smoother system model
func (s *RTS) Model() ukfm.Model {
	return s.m
}

// Manifold returns the smoother state manifold
func (s *RTS) Manifold() ukfm.Manifold {
	return s.mf
}

// StateNoise returns state noise
func (s *RTS) StateNoise() ukfm.Noise {
	return s.q
}
