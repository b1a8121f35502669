package bf

import (
	"math"
	"os"
	"testing"

	"github.com/pipigenius/ukfm"
	"github.com/pipigenius/ukfm/manifold"
	"github.com/pipigenius/ukfm/noise"
	"github.com/pipigenius/ukfm/sim"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

type invalidModel struct {
	ukfm.Model
	nx int
	ny int
}

func (m *invalidModel) SystemDims() (nx, nu, ny, nq int) {
	return m.nx, 0, m.ny, 0
}

var (
	linModel *sim.Linear
	euclid   *manifold.Euclidean
	linIC    *sim.InitCond
	linQ     ukfm.Noise
	linR     ukfm.Noise
	gravDir  *mat.VecDense
	magDir   *mat.VecDense
	attModel *sim.Attitude
	so3      *manifold.SO3
	p        int
	u        *mat.VecDense
	z        *mat.VecDense
	errPDF   distmv.LogProber
)

func setup() {
	// PF parameters
	p = 100
	outCov := mat.NewSymDense(1, []float64{0.25})
	errPDF, _ = distmv.NewNormal([]float64{0}, outCov, nil)

	u = mat.NewVecDense(1, []float64{-1.0})
	z = mat.NewVecDense(1, []float64{-1.5})

	// initial condition
	initState := mat.NewVecDense(2, []float64{1.0, 3.0})
	initCov := mat.NewSymDense(2, []float64{0.25, 0, 0, 0.25})
	linIC = sim.NewInitCond(initState, initCov)

	// state and output noise
	linQ, _ = noise.NewGaussian([]float64{0, 0}, scaledEye(2, 1e-4))
	linR, _ = noise.NewGaussian([]float64{0}, outCov)

	A := mat.NewDense(2, 2, []float64{1.0, 1.0, 0.0, 1.0})
	B := mat.NewDense(2, 1, []float64{0.5, 1.0})
	C := mat.NewDense(1, 2, []float64{1.0, 0.0})

	linModel, _ = sim.NewLinear(A, B, C, nil)
	euclid, _ = manifold.NewEuclidean(2)

	gravDir = mat.NewVecDense(3, []float64{0.0, 0.0, -9.81})
	magDir = mat.NewVecDense(3, []float64{0.4, 0.0, 0.6})
	attModel, _ = sim.NewAttitude(gravDir, magDir)
	so3, _ = manifold.NewSO3(manifold.Right)
}

func scaledEye(n int, v float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, v)
	}

	return s
}

func TestMain(m *testing.M) {
	// set up tests
	setup()
	// run the tests
	retCode := m.Run()
	// call with result of m.Run()
	os.Exit(retCode)
}

func TestBFNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, linR, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	// nil state and output noise
	f, err = New(linModel, euclid, linIC, nil, nil, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	// invalid particle count
	f, err = New(linModel, euclid, linIC, linQ, linR, -10, errPDF)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)

	// nil output error PDF
	f, err = New(linModel, euclid, linIC, linQ, linR, p, nil)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)

	// invalid model: negative dimensions
	f, err = New(&invalidModel{Model: linModel, nx: -10, ny: 8}, euclid, linIC, linQ, linR, p, errPDF)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)

	// invalid initial state length
	_ic := sim.NewInitCond(mat.NewVecDense(3, nil), scaledEye(2, 0.25))
	f, err = New(linModel, euclid, _ic, linQ, linR, p, errPDF)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)

	// invalid initial covariance dimension
	_ic = sim.NewInitCond(mat.NewVecDense(2, nil), scaledEye(3, 0.25))
	f, err = New(linModel, euclid, _ic, linQ, linR, p, errPDF)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)

	// invalid state noise dimension
	_q, _ := noise.NewZero(20)
	f, err = New(linModel, euclid, linIC, _q, linR, p, errPDF)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)

	// invalid output noise dimension
	_r, _ := noise.NewZero(20)
	f, err = New(linModel, euclid, linIC, linQ, _r, p, errPDF)
	assert.Nil(f)
	assert.ErrorIs(err, ukfm.ErrConfiguration)
}

func TestBFSeeding(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, linR, 2000, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	// the estimate starts at the initial condition
	assert.True(mat.Equal(linIC.State(), f.State()))
	assert.True(mat.Equal(linIC.Cov(), f.Cov()))

	// the particle cloud is centered on the initial state
	parts := f.Particles()
	rows, cols := parts.Dims()
	assert.Equal(2, rows)
	assert.Equal(2000, cols)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for c := 0; c < cols; c++ {
			mean += parts.At(r, c)
		}
		mean /= float64(cols)
		assert.InDelta(linIC.State().AtVec(r), mean, 0.1)
	}

	// particle weights are uniform and sum up to 1
	w := f.Weights()
	sum := 0.0
	for i := 0; i < w.Len(); i++ {
		assert.InDelta(1/float64(2000), w.AtVec(i), 1e-12)
		sum += w.AtVec(i)
	}
	assert.InDelta(1.0, sum, 1e-10)
}

func TestBFPropagate(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, linR, 2000, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	// invalid input length fails before the filter state changes
	x := f.State()
	_u := mat.NewVecDense(3, nil)
	err = f.Propagate(_u, 1.0)
	assert.Error(err)
	assert.True(mat.Equal(x, f.State()))

	err = f.Propagate(u, 1.0)
	assert.NoError(err)

	// the estimate propagates noise-free: A*x + B*u
	assert.InDelta(3.5, f.State().AtVec(0), 1e-12)
	assert.InDelta(2.0, f.State().AtVec(1), 1e-12)

	// propagation does not touch the weights
	w := f.Weights()
	for i := 0; i < w.Len(); i++ {
		assert.InDelta(1/float64(2000), w.AtVec(i), 1e-12)
	}

	// the cloud spread grows along the first state: var(x0 + x1)
	assert.True(f.Cov().At(0, 0) > 0.3)
}

func TestBFUpdate(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, nil, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	// invalid measurement length fails before the filter state changes
	x := f.State()
	err = f.Update(nil)
	assert.ErrorIs(err, ukfm.ErrConfiguration)
	err = f.Update(mat.NewVecDense(3, nil))
	assert.ErrorIs(err, ukfm.ErrConfiguration)
	assert.True(mat.Equal(x, f.State()))

	// cloud average of the measured state before the update
	parts := f.Particles()
	_, cols := parts.Dims()
	mean := 0.0
	for c := 0; c < cols; c++ {
		mean += parts.At(0, c)
	}
	mean /= float64(cols)

	err = f.Update(z)
	assert.NoError(err)

	// the measurement sits below the cloud, so the corrected estimate
	// moves below the plain cloud average
	assert.True(f.State().AtVec(0) < mean)

	// weights are differentiated and renormalized
	w := f.Weights()
	sum, minW, maxW := 0.0, math.Inf(1), math.Inf(-1)
	for i := 0; i < w.Len(); i++ {
		sum += w.AtVec(i)
		minW = math.Min(minW, w.AtVec(i))
		maxW = math.Max(maxW, w.AtVec(i))
	}
	assert.InDelta(1.0, sum, 1e-10)
	assert.True(maxW > minW)
}

func TestBFDegenerateWeights(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, nil, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	// a measurement this far away zeroes out every particle likelihood
	x := f.State()
	w := f.Weights()
	err = f.Update(mat.NewVecDense(1, []float64{1e9}))
	assert.ErrorIs(err, ukfm.ErrNumericalInstability)

	// the filter state survives untouched
	assert.True(mat.Equal(x, f.State()))
	assert.True(mat.Equal(w, f.Weights()))
}

func TestBFConvergence(t *testing.T) {
	assert := assert.New(t)

	q0 := mat.NewVecDense(4, []float64{1, 0, 0, 0})
	ic := sim.NewInitCond(q0, scaledEye(3, 0.01))
	pdf, _ := distmv.NewNormal(make([]float64, 6), scaledEye(6, 0.25), nil)

	f, err := New(attModel, so3, ic, nil, nil, 2000, pdf)
	assert.NotNil(f)
	assert.NoError(err)

	// true attitude a few degrees away from the initial estimate
	truth, err := so3.Phi(q0, mat.NewVecDense(3, []float64{0.05, -0.04, 0.0}))
	assert.NoError(err)
	zTrue, err := attModel.Observe(truth)
	assert.NoError(err)

	errBefore, err := so3.PhiInv(truth, f.State())
	assert.NoError(err)

	// repeated reweighting and resampling concentrates the cloud on the
	// true attitude
	for i := 0; i < 3; i++ {
		err = f.Update(zTrue)
		assert.NoError(err)
		err = f.Resample(0.0)
		assert.NoError(err)
	}
	err = f.Update(zTrue)
	assert.NoError(err)

	errAfter, err := so3.PhiInv(truth, f.State())
	assert.NoError(err)

	assert.True(mat.Norm(errAfter, 2) < mat.Norm(errBefore, 2))
	assert.True(mat.Norm(errAfter, 2) < 0.04)

	// the estimate remains a unit quaternion
	assert.InDelta(1.0, mat.Norm(f.State(), 2), 1e-9)
}

func TestBFResample(t *testing.T) {
	assert := assert.New(t)

	q0 := mat.NewVecDense(4, []float64{1, 0, 0, 0})
	ic := sim.NewInitCond(q0, scaledEye(3, 0.01))
	pdf, _ := distmv.NewNormal(make([]float64, 6), scaledEye(6, 0.25), nil)

	f, err := New(attModel, so3, ic, nil, nil, p, pdf)
	assert.NotNil(f)
	assert.NoError(err)

	// degenerate weights
	var _w []float64
	weights := f.w
	f.w = _w
	err = f.Resample(0.0)
	assert.Error(err)
	f.w = weights

	err = f.Resample(5.0)
	assert.NoError(err)

	err = f.Resample(0.0)
	assert.NoError(err)

	// resampling resets the weights to equal probabilities
	w := f.Weights()
	for i := 0; i < w.Len(); i++ {
		assert.InDelta(1/float64(p), w.AtVec(i), 1e-12)
	}

	// jittered particles are retracted back onto the manifold, so every
	// particle remains a unit quaternion
	parts := f.Particles()
	rows, cols := parts.Dims()
	for c := 0; c < cols; c++ {
		norm := 0.0
		for r := 0; r < rows; r++ {
			norm += parts.At(r, c) * parts.At(r, c)
		}
		assert.InDelta(1.0, math.Sqrt(norm), 1e-9)
	}
}

func TestBFParticles(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, linR, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	parts := f.Particles()
	rows, cols := parts.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.InDelta(f.x.At(i, j), parts.At(i, j), 0.001)
		}
	}

	// mutating the returned matrix does not touch the filter particles
	orig := f.x.At(0, 0)
	parts.(*mat.Dense).Set(0, 0, orig+100)
	assert.InDelta(orig, f.x.At(0, 0), 1e-12)
}

func TestBFWeights(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, linR, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	weights := f.Weights()
	for i := range f.w {
		assert.InDelta(f.w[i], weights.At(i, 0), 0.001)
	}
}

func TestBFModelNoise(t *testing.T) {
	assert := assert.New(t)

	f, err := New(linModel, euclid, linIC, linQ, linR, p, errPDF)
	assert.NotNil(f)
	assert.NoError(err)

	assert.Equal(linModel, f.Model())
	assert.Equal(euclid, f.Manifold())
	assert.Equal(linQ, f.StateNoise())
	assert.Equal(linR, f.OutputNoise())
}

func TestBFAlphaGauss(t *testing.T) {
	assert := assert.New(t)

	alpha := AlphaGauss(1, 2)
	assert.True(alpha > 0.0)
}
