package bf

import (
	"fmt"
	"math"

	"github.com/milosgajdos/matrix"
	"github.com/pipigenius/ukfm"
	"github.com/pipigenius/ukfm/noise"
	"github.com/pipigenius/ukfm/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// BF is a Bootstrap Filter a.k.a. SIR Particle Filter whose particles live
// on a smooth manifold. Particles are stored as embedding space states and
// all statistics, the estimate and its covariance included, are computed in
// the tangent space of the filter retraction pair.
// For more information about Bootstrap Filter see:
// https://en.wikipedia.org/wiki/Particle_filter#The_bootstrap_filter
type BF struct {
	// m is bootstrap filter model
	m ukfm.Model
	// mf is the state manifold retraction pair
	mf ukfm.Manifold
	// w stores particle weights
	w []float64
	// x stores filter particles as column vectors
	x *mat.Dense
	// q is state noise a.k.a. process noise
	q ukfm.Noise
	// r is output noise a.k.a. measurement noise
	r ukfm.Noise
	// est is the current state estimate
	est *mat.VecDense
	// cov is the tangent space covariance of the particle cloud
	cov *mat.SymDense
	// inn stores a diff between the measurement vector and a particle output.
	// Its size equals the size of the system output, so we preallocate it
	// once to avoid reallocating it on every call to Update().
	inn []float64
	// errPDF is PDF (Probability Density Function) of filter output error
	errPDF distmv.LogProber
}

// New creates new Bootstrap Filter with the following parameters and returns it:
//   - m:   system model
//   - mf:  state manifold retraction pair
//   - ic:  initial condition of the filter
//   - q:   state noise a.k.a. process noise
//   - r:   output noise a.k.a. measurement noise
//   - p:   number of filter particles
//   - pdf: Probability Density Function (PDF) of filter output error
//
// The particles are seeded by drawing p tangent space samples with the
// initial covariance and retracting them onto the initial state.
// It returns error wrapping ukfm.ErrConfiguration if the model, manifold and
// noise dimensions do not agree with each other, if a non-positive number of
// particles is given or if the particles fail to be generated.
func New(m ukfm.Model, mf ukfm.Manifold, ic ukfm.InitCond, q, r ukfm.Noise, p int, pdf distmv.LogProber) (*BF, error) {
	nx, _, ny, nq := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions [%d x %d]: %w", nx, ny, ukfm.ErrConfiguration)
	}

	d := mf.Dim()
	if d <= 0 {
		return nil, fmt.Errorf("invalid manifold dimension %d: %w", d, ukfm.ErrConfiguration)
	}

	// must have at least one particle; can't be negative
	if p <= 0 {
		return nil, fmt.Errorf("invalid particle count %d: %w", p, ukfm.ErrConfiguration)
	}

	if pdf == nil {
		return nil, fmt.Errorf("nil output error PDF supplied: %w", ukfm.ErrConfiguration)
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

	// Initialize particle weights to equal probabilities:
	// particle weights must sum up to 1 to represent probability
	w := make([]float64, p)
	for i := range w {
		w[i] = 1 / float64(p)
	}

	// draw tangent space samples with covariance ic.Cov()
	xis, err := rand.WithCovN(ic.Cov(), p)
	if err != nil {
		return nil, fmt.Errorf("failed to generate filter particles: %v: %w", err, ukfm.ErrConfiguration)
	}

	// retract the tangent samples onto the initial state
	x := mat.NewDense(nx, p, nil)
	for c := 0; c < p; c++ {
		xc, err := mf.Phi(ic.State(), xis.ColView(c))
		if err != nil {
			return nil, fmt.Errorf("failed to retract filter particle: %v: %w", err, ukfm.ErrConfiguration)
		}
		x.Slice(0, nx, c, c+1).(*mat.Dense).Copy(xc)
	}

	est := &mat.VecDense{}
	est.CloneFromVec(ic.State())

	cov := mat.NewSymDense(d, nil)
	cov.CopySym(ic.Cov())

	return &BF{
		m:      m,
		mf:     mf,
		w:      w,
		x:      x,
		q:      q,
		r:      r,
		est:    est,
		cov:    cov,
		inn:    make([]float64, ny),
		errPDF: pdf,
	}, nil
}

// Propagate propagates the filter to the next step given control input u and
// time step dt. The central estimate propagates noise-free while every
// particle is fed a fresh state noise sample; the particle weights are left
// unchanged. It returns error if the model fails to propagate either the
// estimate or one of the particles.
func (b *BF) Propagate(u mat.Vector, dt float64) error {
	// propagate the central estimate to the next step
	est, err := b.m.Propagate(b.est, u, nil, dt)
	if err != nil {
		return fmt.Errorf("failed to propagate system state: %v", err)
	}

	rows, cols := b.x.Dims()
	xPred := mat.NewDense(rows, cols, nil)

	// propagate filter particles to the next step
	for c := range b.w {
		xNext, err := b.m.Propagate(b.x.ColView(c), u, b.q.Sample(), dt)
		if err != nil {
			return fmt.Errorf("failed to propagate filter particle: %v", err)
		}
		xPred.Slice(0, rows, c, c+1).(*mat.Dense).Copy(xNext)
	}

	_, cov, err := b.tangentStats(est, xPred, b.w)
	if err != nil {
		return err
	}

	// it's safe to update the filter state
	b.x.Copy(xPred)
	b.est.CloneFromVec(est)
	b.cov.CopySym(cov)

	return nil
}

// Update corrects the filter estimate using the measurement z. Particle
// weights are multiplied by the output error likelihood of the particle and
// the corrected estimate is the weighted tangent mean of the particle cloud
// retracted onto the manifold.
// It returns error wrapping ukfm.ErrConfiguration if the measurement length
// does not match the model output and error wrapping
// ukfm.ErrNumericalInstability if the updated weights degenerate; the filter
// state is then left unchanged.
func (b *BF) Update(z mat.Vector) error {
	_, _, ny, _ := b.m.SystemDims()

	if z == nil || z.Len() != ny {
		return fmt.Errorf("invalid measurement length: %w", ukfm.ErrConfiguration)
	}

	// Update particle weights:
	// - calculate the observation error of each particle output
	// - multiply the particle weight with the likelihood of the error
	w := make([]float64, len(b.w))
	copy(w, b.w)
	for c := range w {
		y, err := b.m.Observe(b.x.ColView(c))
		if err != nil {
			return fmt.Errorf("failed to observe filter particle: %v", err)
		}

		// perturb the particle output with an output noise sample
		rn := b.r.Sample()
		for i := 0; i < ny; i++ {
			v := y.AtVec(i)
			if rn.Len() > 0 {
				v += rn.AtVec(i)
			}
			b.inn[i] = z.AtVec(i) - v
		}

		// turn the innovation vector i.e. measurement error into likelihood
		// Note: this isn't actually probability but that's ok because we normalize weights
		w[c] = w[c] * math.Exp(b.errPDF.LogProb(b.inn))
	}

	// normalize the particle weights so they express probability
	sum := floats.Sum(w)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return fmt.Errorf("degenerate particle weights: %w", ukfm.ErrNumericalInstability)
	}
	floats.Scale(1/sum, w)

	// correct the estimate to the weighted tangent mean of the particles
	mean, cov, err := b.tangentStats(b.est, b.x, w)
	if err != nil {
		return err
	}

	est, err := b.mf.Phi(b.est, mean)
	if err != nil {
		return fmt.Errorf("failed to retract state correction: %v", err)
	}

	// it's safe to update the filter state
	copy(b.w, w)
	b.est.CloneFromVec(est)
	b.cov.CopySym(cov)

	return nil
}

// tangentStats lifts the particles stored in the columns of xp into the
// tangent space at state x and returns their weighted mean and covariance.
func (b *BF) tangentStats(x mat.Vector, xp *mat.Dense, w []float64) (*mat.VecDense, *mat.SymDense, error) {
	d := b.mf.Dim()

	mean := mat.NewVecDense(d, nil)
	xis := mat.NewDense(d, len(w), nil)
	for c := range w {
		xi, err := b.mf.PhiInv(x, xp.ColView(c))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to map filter particle to tangent space: %v", err)
		}
		xis.Slice(0, d, c, c+1).(*mat.Dense).Copy(xi)
		mean.AddScaledVec(mean, w[c], xi)
	}

	cov := mat.NewSymDense(d, nil)
	for c := range w {
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				cov.SetSym(i, j, cov.At(i, j)+w[c]*(xis.At(i, c)-mean.AtVec(i))*(xis.At(j, c)-mean.AtVec(j)))
			}
		}
	}

	return mean, cov, nil
}

// Resample allows to resample filter particles with regularization parameter alpha.
// It draws new particles from the existing ones proportionally to their weights
// and then jitters them with tangent space perturbations whose covariance is
// the covariance of the resampled particle cloud scaled by alpha.
// If invalid (non-positive) alpha is provided we use optimal alpha for gaussian kernel.
// It returns error if it fails to generate new filter particles.
func (b *BF) Resample(alpha float64) error {
	// randomly pick new particles based on their weights
	// rand.RouletteDrawN returns a slice of column indices to b.x
	indices, err := rand.RouletteDrawN(b.w, len(b.w))
	if err != nil {
		return fmt.Errorf("failed to sample filter particles: %v", err)
	}

	// we need to clone b.x to avoid overriding the existing filter particles
	x := new(mat.Dense)
	x.CloneFrom(b.x)
	rows, cols := x.Dims()

	// length of indices slice is the same as number of columns: number of particles
	for c := range indices {
		b.x.Slice(0, rows, c, c+1).(*mat.Dense).Copy(x.ColView(indices[c]))
	}

	// we have resampled particles, therefore we must reinitialize their weights, too:
	// weights will have the same probability: 1/len(b.w): they must sum up to 1
	for i := 0; i < len(b.w); i++ {
		b.w[i] = 1 / float64(len(b.w))
	}

	d := b.mf.Dim()

	// lift the resampled particles into the tangent space at the estimate
	xis := mat.NewDense(d, cols, nil)
	for c := 0; c < cols; c++ {
		xi, err := b.mf.PhiInv(b.est, b.x.ColView(c))
		if err != nil {
			return fmt.Errorf("failed to map filter particle to tangent space: %v", err)
		}
		xis.Slice(0, d, c, c+1).(*mat.Dense).Copy(xi)
	}

	// We need to calculate covariance matrix of the tangent residuals
	cov, err := matrix.Cov(xis, "cols")
	if err != nil {
		return fmt.Errorf("failed to calculate covariance matrix: %v", err)
	}

	// randomly draw tangent perturbations with the residual covariance
	m, err := rand.WithCovN(cov, cols)
	if err != nil {
		return fmt.Errorf("failed to draw random particle perturbations: %v", err)
	}

	// if invalid alpha is given, use the optimal value for Gaussian
	if alpha <= 0 {
		alpha = AlphaGauss(d, cols)
	}

	m.Scale(alpha, m)

	// retract the perturbed particles back onto the manifold
	for c := 0; c < cols; c++ {
		xc, err := b.mf.Phi(b.x.ColView(c), m.ColView(c))
		if err != nil {
			return fmt.Errorf("failed to retract filter particle: %v", err)
		}
		b.x.Slice(0, rows, c, c+1).(*mat.Dense).Copy(xc)
	}

	return nil
}

// State returns a copy of the current filter state estimate.
func (b *BF) State() mat.Vector {
	x := &mat.VecDense{}
	x.CloneFromVec(b.est)

	return x
}

// Cov returns a copy of the tangent space covariance of the particle cloud.
func (b *BF) Cov() mat.Symmetric {
	cov := mat.NewSymDense(b.cov.SymmetricDim(), nil)
	cov.CopySym(b.cov)

	return cov
}

// Particles returns BF particles
func (b *BF) Particles() mat.Matrix {
	p := &mat.Dense{}
	p.CloneFrom(b.x)

	return p
}

// Weights returns a vector containing BF particle weights
func (b *BF) Weights() mat.Vector {
	data := make([]float64, len(b.w))
	copy(data, b.w)

	return mat.NewVecDense(len(data), data)
}

// Model returns the filter system model
func (b *BF) Model() ukfm.Model {
	return b.m
}

// Manifold returns the filter state manifold
func (b *BF) Manifold() ukfm.Manifold {
	return b.mf
}

// StateNoise returns state noise
func (b *BF) StateNoise() ukfm.Noise {
	return b.q
}

// OutputNoise returns output noise
func (b *BF) OutputNoise() ukfm.Noise {
	return b.r
}

// AlphaGauss computes optimal regularization parameter for Gaussian kernel and returns it.
func AlphaGauss(r, c int) float64 {
	return math.Pow(4.0/(float64(c)*(float64(r)+2.0)), 1/(float64(r)+4.0))
}
