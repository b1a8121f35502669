package estimate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestNewBase(t *testing.T) {
	assert := assert.New(t)

	val := mat.NewVecDense(2, []float64{1.0, 1.0})

	b, err := NewBase(val)
	assert.NotNil(b)
	assert.NoError(err)
	assert.Equal(0, b.Cov().SymmetricDim())

	b, err = NewBase(nil)
	assert.NotNil(b)
	assert.NoError(err)
}

func TestNewBaseWithCov(t *testing.T) {
	assert := assert.New(t)

	// quaternion value with tangent space covariance:
	// value length and covariance dimension differ
	val := mat.NewVecDense(4, []float64{1.0, 0.0, 0.0, 0.0})
	cov := mat.NewSymDense(3, []float64{1.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 1.0})

	b, err := NewBaseWithCov(val, cov)
	assert.NotNil(b)
	assert.NoError(err)

	b, err = NewBaseWithCov(nil, cov)
	assert.Nil(b)
	assert.Error(err)

	b, err = NewBaseWithCov(val, nil)
	assert.Nil(b)
	assert.Error(err)
}

func TestValCov(t *testing.T) {
	assert := assert.New(t)

	val := mat.NewVecDense(2, []float64{1.0, 2.0})
	cov := mat.NewSymDense(2, []float64{1.0, 2.0, 2.0, 4.0})

	b, err := NewBaseWithCov(val, cov)
	assert.NotNil(b)
	assert.NoError(err)

	v := b.Val()
	for i := 0; i < val.Len(); i++ {
		assert.Equal(val.AtVec(i), v.AtVec(i))
	}

	c := b.Cov()
	for i := 0; i < cov.SymmetricDim(); i++ {
		for j := 0; j < cov.SymmetricDim(); j++ {
			assert.Equal(cov.At(i, j), c.At(i, j))
		}
	}

	// returned values are copies
	v.(*mat.VecDense).SetVec(0, 100.0)
	assert.Equal(1.0, b.Val().AtVec(0))
}
