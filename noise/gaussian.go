package noise

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is gaussian noise
type Gaussian struct {
	// dist is a multivariate normal distribution
	dist *distmv.Normal
	// mean is Gaussian mean
	mean []float64
	// cov is Gaussian covariance
	cov mat.Symmetric
	// seed seeds the noise sample stream
	seed uint64
}

// NewGaussian creates new Gaussian noise with given mean and covariance,
// seeded from the wall clock.
// It returns error if it fails to create Gaussian.
func NewGaussian(mean []float64, cov mat.Symmetric) (*Gaussian, error) {
	return NewGaussianWithSeed(mean, cov, uint64(time.Now().UnixNano()))
}

// NewGaussianWithSeed creates new Gaussian noise with given mean, covariance
// and sample stream seed. Noises created with the same parameters generate
// identical sample streams, which makes simulation runs reproducible.
// It returns error if it fails to create Gaussian.
func NewGaussianWithSeed(mean []float64, cov mat.Symmetric, seed uint64) (*Gaussian, error) {
	if cov == nil || len(mean) != cov.SymmetricDim() {
		return nil, fmt.Errorf("invalid noise dimensions: %d x %d", len(mean), symDim(cov))
	}

	dist, ok := newGaussianDist(mean, cov, seed)
	if !ok {
		return nil, fmt.Errorf("failed to create new Gaussian noise")
	}

	return &Gaussian{
		dist: dist,
		mean: mean,
		cov:  cov,
		seed: seed,
	}, nil
}

// Sample generates a sample from Gaussian noise and returns it.
func (g *Gaussian) Sample() mat.Vector {
	r := g.dist.Rand(nil)
	return mat.NewVecDense(len(r), r)
}

// Cov returns covariance matrix of Gaussian noise.
func (g *Gaussian) Cov() mat.Symmetric {
	return g.cov
}

// Mean returns Gaussian mean.
func (g *Gaussian) Mean() []float64 {
	return g.mean
}

// Reset restarts the noise sample stream from its seed.
func (g *Gaussian) Reset() {
	if dist, ok := newGaussianDist(g.mean, g.cov, g.seed); ok {
		g.dist = dist
	}
}

func newGaussianDist(mean []float64, cov mat.Symmetric, seed uint64) (*distmv.Normal, bool) {
	src := rand.New(rand.NewSource(seed))
	return distmv.NewNormal(mean, cov, src)
}

func symDim(cov mat.Symmetric) int {
	if cov == nil {
		return 0
	}

	return cov.SymmetricDim()
}

// String implements the Stringer interface.
func (g *Gaussian) String() string {
	return fmt.Sprintf("Gaussian{\nMean=%v\nCov=%v\n}", g.mean, mat.Formatted(g.cov, mat.Prefix("    "), mat.Squeeze()))
}
