package ukf

import (
	"fmt"
	"math"

	"github.com/pipigenius/ukfm"
	"github.com/pipigenius/ukfm/matrix"
	"github.com/pipigenius/ukfm/noise"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Config contains UKF configuration parameters
type Config struct {
	// Alpha contains the sigma point spread scales: Alpha[0] scales the
	// state propagation pass, Alpha[1] the noise propagation pass and
	// Alpha[2] the update pass. All of them must be positive and are
	// usually picked in (0, 1].
	Alpha [3]float64
	// AdditiveNoise adds the process noise covariance directly to the
	// propagated state covariance instead of propagating noise sigma
	// points through the model. It requires the process noise dimension
	// to be equal to the manifold tangent space dimension.
	AdditiveNoise bool
}

// weights are unscented transform weights for a given tangent space
// dimension and sigma point spread scale
type weights struct {
	// gamma scales square root covariance columns
	gamma float64
	// wj is the weight of every non-central sigma point
	wj float64
	// wm0 is the mean weight of the central sigma point
	wm0 float64
	// wc0 is the covariance weight of the central sigma point
	wc0 float64
}

// newWeights returns unscented transform weights for dimension dim and
// sigma point spread scale alpha
func newWeights(dim int, alpha float64) *weights {
	l := float64(dim)
	lambda := (alpha*alpha - 1.0) * l

	return &weights{
		gamma: math.Sqrt(l + lambda),
		wj:    1.0 / (2.0 * (l + lambda)),
		wm0:   lambda / (l + lambda),
		wc0:   lambda/(l+lambda) + 3.0 - alpha*alpha,
	}
}

// UKF is an Unscented Kalman Filter on a manifold. Instead of averaging
// sigma points in the embedding space it spreads and recombines them in
// the tangent space of its retraction pair, so the state estimate never
// leaves the manifold.
type UKF struct {
	// m is UKF system model
	m ukfm.Model
	// mf is the state manifold retraction pair
	mf ukfm.Manifold
	// q is state noise a.k.a. process noise
	q ukfm.Noise
	// r is output noise a.k.a. measurement noise
	r ukfm.Noise
	// additive adds the process noise covariance directly
	additive bool
	// wState are sigma point weights of the state propagation pass
	wState *weights
	// wNoise are sigma point weights of the noise propagation pass
	wNoise *weights
	// wUpdate are sigma point weights of the update pass
	wUpdate *weights
	// cholQ stores gamma scaled Cholesky columns of the process
	// noise covariance; nil when no noise sigma points are needed
	cholQ *mat.Dense
	// x is the current state estimate
	x *mat.VecDense
	// p is the tangent space covariance of the state estimate
	p *mat.SymDense
	// inn is innovation vector
	inn *mat.VecDense
	// k is Kalman gain
	k *mat.Dense
}

// New creates new UKF and returns it.
// It accepts the following arguments:
//   - m:  dynamical system model
//   - mf: state manifold retraction pair
//   - ic: initial condition of the filter
//   - q:  state a.k.a. process noise
//   - r:  output a.k.a. measurement noise
//   - c:  filter configuration
//
// It returns error wrapping ukfm.ErrConfiguration if the model, manifold,
// noise and configuration dimensions do not agree with each other.
func New(m ukfm.Model, mf ukfm.Manifold, ic ukfm.InitCond, q, r ukfm.Noise, c *Config) (*UKF, error) {
	nx, _, ny, nq := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions [%d x %d]: %w", nx, ny, ukfm.ErrConfiguration)
	}

	d := mf.Dim()
	if d <= 0 {
		return nil, fmt.Errorf("invalid manifold dimension %d: %w", d, ukfm.ErrConfiguration)
	}

	if c == nil {
		return nil, fmt.Errorf("nil config supplied: %w", ukfm.ErrConfiguration)
	}

	for i, alpha := range c.Alpha {
		if alpha <= 0 {
			return nil, fmt.Errorf("invalid sigma point scale alpha[%d]=%v: %w", i, alpha, ukfm.ErrConfiguration)
		}
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

	if c.AdditiveNoise && !matrix.IsZero(q.Cov()) && q.Cov().SymmetricDim() != d {
		return nil, fmt.Errorf("additive noise dimension %d does not match tangent space dimension %d: %w",
			q.Cov().SymmetricDim(), d, ukfm.ErrConfiguration)
	}

	// The Cholesky factor of the process noise covariance never changes,
	// so it is computed once. A process noise covariance which is not
	// positive definite is a configuration problem, not an instability.
	var cholQ *mat.Dense
	var wNoise *weights
	if !c.AdditiveNoise && !matrix.IsZero(q.Cov()) {
		var chol mat.Cholesky
		if ok := chol.Factorize(q.Cov()); !ok {
			return nil, fmt.Errorf("state noise covariance is not positive definite: %w", ukfm.ErrConfiguration)
		}

		dim := q.Cov().SymmetricDim()
		l := mat.NewTriDense(dim, mat.Lower, nil)
		chol.LTo(l)

		wNoise = newWeights(dim, c.Alpha[1])

		cholQ = mat.NewDense(dim, dim, nil)
		for i := 0; i < dim; i++ {
			for j := 0; j <= i; j++ {
				cholQ.Set(i, j, wNoise.gamma*l.At(i, j))
			}
		}
	}

	x := &mat.VecDense{}
	x.CloneFromVec(ic.State())

	p := mat.NewSymDense(d, nil)
	p.CopySym(ic.Cov())

	return &UKF{
		m:        m,
		mf:       mf,
		q:        q,
		r:        r,
		additive: c.AdditiveNoise,
		wState:   newWeights(d, c.Alpha[0]),
		wNoise:   wNoise,
		wUpdate:  newWeights(d, c.Alpha[2]),
		cholQ:    cholQ,
		x:        x,
		p:        p,
		inn:      mat.NewVecDense(ny, nil),
		k:        mat.NewDense(d, ny, nil),
	}, nil
}

// genSigmaPoints factorizes the current state covariance and returns its
// gamma scaled square root columns: the tangent space sigma point offsets.
// It returns error wrapping ukfm.ErrNumericalInstability if the covariance
// is not positive definite.
func (k *UKF) genSigmaPoints(w *weights) (*mat.Dense, error) {
	d := k.mf.Dim()

	var chol mat.Cholesky
	if ok := chol.Factorize(k.p); !ok {
		return nil, fmt.Errorf("state covariance cholesky factorization failed: %w", ukfm.ErrNumericalInstability)
	}

	l := mat.NewTriDense(d, mat.Lower, nil)
	chol.LTo(l)

	xi := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			xi.Set(i, j, w.gamma*l.At(i, j))
		}
	}

	return xi, nil
}

// propagated pushes the sigma point at tangent offset xi through the model
// with zero noise and returns its tangent space offset from xNext.
func (k *UKF) propagated(xi, u mat.Vector, dt float64, xNext mat.Vector) (mat.Vector, error) {
	s, err := k.mf.Phi(k.x, xi)
	if err != nil {
		return nil, fmt.Errorf("failed to retract sigma point: %v", err)
	}

	sNext, err := k.m.Propagate(s, u, nil, dt)
	if err != nil {
		return nil, fmt.Errorf("failed to propagate sigma point: %v", err)
	}

	xiNext, err := k.mf.PhiInv(xNext, sNext)
	if err != nil {
		return nil, fmt.Errorf("failed to map sigma point to tangent space: %v", err)
	}

	return xiNext, nil
}

// recombine computes the weighted tangent space covariance of the sigma
// point offsets stored in the columns of xis. The central sigma point sits
// at the zero offset, so only its weighted mean deviation contributes.
func recombine(xis *mat.Dense, w *weights) *mat.Dense {
	rows, cols := xis.Dims()

	// weighted mean tangent offset
	mean := matrix.RowSums(xis)
	floats.Scale(w.wj, mean)
	xiMean := mat.NewVecDense(rows, mean)

	// center the offsets around the weighted mean
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			xis.Set(r, c, xis.At(r, c)-xiMean.AtVec(r))
		}
	}

	cov := mat.NewDense(rows, rows, nil)
	cov.Mul(xis, xis.T())
	cov.Scale(w.wj, cov)

	cov0 := mat.NewDense(rows, rows, nil)
	cov0.Outer(w.wc0, xiMean, xiMean)
	cov.Add(cov, cov0)

	return cov
}

// Propagate propagates the filter state estimate to the next step given
// control input u and time step dt.
// It returns error wrapping ukfm.ErrNumericalInstability if the state
// covariance stops being positive definite; the filter state is then left
// unchanged.
func (k *UKF) Propagate(u mat.Vector, dt float64) error {
	d := k.mf.Dim()

	xi, err := k.genSigmaPoints(k.wState)
	if err != nil {
		return err
	}

	// propagate the central sigma point with zero noise
	xNext, err := k.m.Propagate(k.x, u, nil, dt)
	if err != nil {
		return fmt.Errorf("failed to propagate system state: %v", err)
	}

	// propagate the remaining sigma points in plus/minus pairs
	xis := mat.NewDense(d, 2*d, nil)
	neg := mat.NewVecDense(d, nil)
	for j := 0; j < d; j++ {
		col := xi.ColView(j)
		neg.ScaleVec(-1, col)

		xiPos, err := k.propagated(col, u, dt, xNext)
		if err != nil {
			return err
		}
		xiNeg, err := k.propagated(neg, u, dt, xNext)
		if err != nil {
			return err
		}

		for i := 0; i < d; i++ {
			xis.Set(i, j, xiPos.AtVec(i))
			xis.Set(i, d+j, xiNeg.AtVec(i))
		}
	}

	cov := recombine(xis, k.wState)

	// inject process noise: either through its own sigma point pass fed
	// into the model noise input or directly into the covariance
	if k.cholQ != nil {
		nq, _ := k.cholQ.Dims()

		xisQ := mat.NewDense(d, 2*nq, nil)
		negQ := mat.NewVecDense(nq, nil)
		for j := 0; j < nq; j++ {
			w := k.cholQ.ColView(j)
			negQ.ScaleVec(-1, w)

			xiPos, err := k.propagatedNoise(w, u, dt, xNext)
			if err != nil {
				return err
			}
			xiNeg, err := k.propagatedNoise(negQ, u, dt, xNext)
			if err != nil {
				return err
			}

			for i := 0; i < d; i++ {
				xisQ.Set(i, j, xiPos.AtVec(i))
				xisQ.Set(i, nq+j, xiNeg.AtVec(i))
			}
		}

		cov.Add(cov, recombine(xisQ, k.wNoise))
	}

	if k.additive && !matrix.IsZero(k.q.Cov()) {
		cov.Add(cov, k.q.Cov())
	}

	// it's safe to update the filter state
	k.x.CloneFromVec(xNext)
	k.p.CopySym(matrix.Symmetrize(cov))

	return nil
}

// propagatedNoise pushes the noise sigma point w through the model noise
// input and returns its tangent space offset from xNext.
func (k *UKF) propagatedNoise(w, u mat.Vector, dt float64, xNext mat.Vector) (mat.Vector, error) {
	sNext, err := k.m.Propagate(k.x, u, w, dt)
	if err != nil {
		return nil, fmt.Errorf("failed to propagate noise sigma point: %v", err)
	}

	xiNext, err := k.mf.PhiInv(xNext, sNext)
	if err != nil {
		return nil, fmt.Errorf("failed to map noise sigma point to tangent space: %v", err)
	}

	return xiNext, nil
}

// Update corrects the filter state estimate using measurement z.
// It returns error wrapping ukfm.ErrConfiguration if the measurement length
// does not match the model output and error wrapping
// ukfm.ErrNumericalInstability if the innovation covariance can not be
// inverted; the filter state is then left unchanged.
func (k *UKF) Update(z mat.Vector) error {
	_, _, ny, _ := k.m.SystemDims()
	d := k.mf.Dim()

	if z == nil || z.Len() != ny {
		return fmt.Errorf("invalid measurement length: %w", ukfm.ErrConfiguration)
	}

	xi, err := k.genSigmaPoints(k.wUpdate)
	if err != nil {
		return err
	}

	// observe the central sigma point
	yPred, err := k.m.Observe(k.x)
	if err != nil {
		return fmt.Errorf("failed to observe system output: %v", err)
	}

	// observe the remaining sigma points in plus/minus pairs
	ys := mat.NewDense(ny, 2*d, nil)
	neg := mat.NewVecDense(d, nil)
	for j := 0; j < d; j++ {
		col := xi.ColView(j)
		neg.ScaleVec(-1, col)

		yPos, err := k.observed(col)
		if err != nil {
			return err
		}
		yNeg, err := k.observed(neg)
		if err != nil {
			return err
		}

		for i := 0; i < ny; i++ {
			ys.Set(i, j, yPos.AtVec(i))
			ys.Set(i, d+j, yNeg.AtVec(i))
		}
	}

	// weighted mean predicted output
	yMean := mat.NewVecDense(ny, nil)
	yMean.AddScaledVec(yMean, k.wUpdate.wm0, yPred)
	sums := matrix.RowSums(ys)
	for i := range sums {
		yMean.SetVec(i, yMean.AtVec(i)+k.wUpdate.wj*sums[i])
	}

	// center the observed sigma points around the mean output
	for c := 0; c < 2*d; c++ {
		for r := 0; r < ny; r++ {
			ys.Set(r, c, ys.At(r, c)-yMean.AtVec(r))
		}
	}
	y0 := mat.NewVecDense(ny, nil)
	y0.SubVec(yPred, yMean)

	// predicted output covariance
	pyy := mat.NewDense(ny, ny, nil)
	pyy.Mul(ys, ys.T())
	pyy.Scale(k.wUpdate.wj, pyy)
	pyy0 := mat.NewDense(ny, ny, nil)
	pyy0.Outer(k.wUpdate.wc0, y0, y0)
	pyy.Add(pyy, pyy0)
	if !matrix.IsZero(k.r.Cov()) {
		pyy.Add(pyy, k.r.Cov())
	}

	// state-output cross covariance; the central sigma point sits at the
	// zero tangent offset so it contributes nothing
	xiFull := mat.NewDense(d, 2*d, nil)
	for j := 0; j < d; j++ {
		for i := 0; i < d; i++ {
			xiFull.Set(i, j, xi.At(i, j))
			xiFull.Set(i, d+j, -xi.At(i, j))
		}
	}
	pxy := mat.NewDense(d, ny, nil)
	pxy.Mul(xiFull, ys.T())
	pxy.Scale(k.wUpdate.wj, pxy)

	// calculate Kalman gain
	pyyInv := &mat.Dense{}
	if err := pyyInv.Inverse(pyy); err != nil {
		return fmt.Errorf("failed to invert innovation covariance: %w", ukfm.ErrNumericalInstability)
	}
	gain := &mat.Dense{}
	gain.Mul(pxy, pyyInv)

	// innovation vector
	inn := &mat.VecDense{}
	inn.SubVec(z, yMean)

	// retract the tangent space correction onto the manifold
	corr := mat.NewVecDense(d, nil)
	corr.MulVec(gain, inn)
	xNext, err := k.mf.Phi(k.x, corr)
	if err != nil {
		return fmt.Errorf("failed to retract state correction: %v", err)
	}

	// correct UKF covariance
	kpyy := &mat.Dense{}
	kpyy.Mul(pyy, gain.T())
	pCorr := &mat.Dense{}
	pCorr.Mul(gain, kpyy)
	pNext := mat.NewDense(d, d, nil)
	pNext.Sub(k.p, pCorr)

	// it's safe to update the filter state
	k.x.CloneFromVec(xNext)
	k.p.CopySym(matrix.Symmetrize(pNext))
	k.inn.CopyVec(inn)
	k.k.Copy(gain)

	return nil
}

// observed observes the model output of the sigma point at tangent offset xi.
func (k *UKF) observed(xi mat.Vector) (mat.Vector, error) {
	s, err := k.mf.Phi(k.x, xi)
	if err != nil {
		return nil, fmt.Errorf("failed to retract sigma point: %v", err)
	}

	y, err := k.m.Observe(s)
	if err != nil {
		return nil, fmt.Errorf("failed to observe sigma point output: %v", err)
	}

	return y, nil
}

// State returns a copy of the current filter state estimate.
func (k *UKF) State() mat.Vector {
	x := &mat.VecDense{}
	x.CloneFromVec(k.x)

	return x
}

// Cov returns a copy of the current tangent space state covariance.
func (k *UKF) Cov() mat.Symmetric {
	cov := mat.NewSymDense(k.p.SymmetricDim(), nil)
	cov.CopySym(k.p)

	return cov
}

// SetCov sets the filter state covariance to cov.
// It returns error if cov is nil or does not match the tangent space dimension.
func (k *UKF) SetCov(cov mat.Symmetric) error {
	if cov == nil || cov.SymmetricDim() != k.p.SymmetricDim() {
		return fmt.Errorf("invalid covariance dimensions: %w", ukfm.ErrConfiguration)
	}

	k.p.CopySym(cov)

	return nil
}

// Gain returns Kalman gain
func (k *UKF) Gain() mat.Matrix {
	gain := &mat.Dense{}
	gain.CloneFrom(k.k)

	return gain
}

// Model returns the filter system model
func (k *UKF) Model() ukfm.Model {
	return k.m
}

// Manifold returns the filter state manifold
func (k *UKF) Manifold() ukfm.Manifold {
	return k.mf
}

// StateNoise returns state noise
func (k *UKF) StateNoise() ukfm.Noise {
	return k.q
}

// OutputNoise returns output noise
func (k *UKF) OutputNoise() ukfm.Noise {
	return k.r
}
