package ukfm

import "gonum.org/v1/gonum/mat"

// Filter is a dynamical system filter whose state lives on a smooth manifold.
// It owns the current state estimate and its tangent space covariance.
type Filter interface {
	// Propagate propagates the state estimate to the next step
	// given control input u and time step dt
	Propagate(u mat.Vector, dt float64) error
	// Update corrects the state estimate using measurement z
	Update(z mat.Vector) error
	// State returns the current state estimate
	State() mat.Vector
	// Cov returns the tangent space covariance of the state estimate
	Cov() mat.Symmetric
}

// Propagator propagates internal state of the system to the next step
type Propagator interface {
	// Propagate propagates state x to the next step given control input u,
	// process noise realization w and time step dt. A nil or empty noise
	// vector means noise-free propagation.
	Propagate(x, u, w mat.Vector, dt float64) (mat.Vector, error)
}

// Observer observes external state (output) of the system
type Observer interface {
	// Observe returns the noise-free system output of state x
	Observe(x mat.Vector) (mat.Vector, error)
}

// Model is a model of a dynamical system
type Model interface {
	// Propagator is system propagator
	Propagator
	// Observer is system observer
	Observer
	// SystemDims returns the lengths of the system state vector (nx),
	// the control input (nu), the output (ny) and the process noise (nq)
	SystemDims() (nx, nu, ny, nq int)
}

// Manifold is a retraction pair turning tangent space vectors into states
// and back. States are stored as plain vectors in an embedding space whose
// length may exceed the tangent space dimension; filters only ever touch
// them through Phi and PhiInv.
type Manifold interface {
	// Dim returns the tangent space dimension
	Dim() int
	// Phi retracts tangent vector xi onto the manifold at state x
	Phi(x, xi mat.Vector) (mat.Vector, error)
	// PhiInv returns the tangent vector at x pointing to state y,
	// the local inverse of Phi
	PhiInv(x, y mat.Vector) (mat.Vector, error)
}

// Linearized is a model which provides analytic tangent space Jacobians.
// Filters linearizing the system fall back to numerical differentiation
// for models which do not implement it.
type Linearized interface {
	// PropagationJacobian returns the Jacobian of the propagation
	// with respect to the state tangent vector
	PropagationJacobian(x, u mat.Vector, dt float64) (mat.Matrix, error)
	// NoiseJacobian returns the Jacobian of the propagation
	// with respect to the process noise vector
	NoiseJacobian(x, u mat.Vector, dt float64) (mat.Matrix, error)
	// ObservationJacobian returns the Jacobian of the observation
	// with respect to the state tangent vector
	ObservationJacobian(x mat.Vector) (mat.Matrix, error)
}

// InitCond is initial state condition of the filter
type InitCond interface {
	// State returns initial filter state
	State() mat.Vector
	// Cov returns initial state covariance
	Cov() mat.Symmetric
}

// Estimate is dynamical system filter estimate
type Estimate interface {
	// Val returns estimate value
	Val() mat.Vector
	// Cov returns estimate covariance
	Cov() mat.Symmetric
}

// Noise is dynamical system noise
type Noise interface {
	// Mean returns noise mean
	Mean() []float64
	// Cov returns covariance matrix of the noise
	Cov() mat.Symmetric
	// Sample returns a sample of the noise
	Sample() mat.Vector
	// Reset resets the noise
	Reset()
}

// Smoother is a filter output smoother
type Smoother interface {
	// Smooth smooths filtered estimates est given the control inputs u
	// applied at each step and the fixed time step dt
	Smooth(est []Estimate, u []mat.Vector, dt float64) ([]Estimate, error)
}
