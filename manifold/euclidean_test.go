package manifold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestEuclideanNew(t *testing.T) {
	assert := assert.New(t)

	m, err := NewEuclidean(3)
	assert.NotNil(m)
	assert.NoError(err)
	assert.Equal(3, m.Dim())

	m, err = NewEuclidean(0)
	assert.Nil(m)
	assert.Error(err)

	m, err = NewEuclidean(-2)
	assert.Nil(m)
	assert.Error(err)
}

func TestEuclideanRetraction(t *testing.T) {
	assert := assert.New(t)

	rng := rand.New(rand.NewSource(10))

	m, err := NewEuclidean(4)
	assert.NoError(err)

	for i := 0; i < 20; i++ {
		x := randVec(rng, 4, 10.0)
		xi := randVec(rng, 4, 2.0)

		y, err := m.Phi(x, xi)
		assert.NoError(err)
		back, err := m.PhiInv(x, y)
		assert.NoError(err)
		for j := 0; j < 4; j++ {
			assert.InDelta(xi.AtVec(j), back.AtVec(j), 1e-12)
		}
	}

	// the zero tangent vector maps back to the input state exactly
	x := randVec(rng, 4, 10.0)
	y, err := m.Phi(x, mat.NewVecDense(4, nil))
	assert.NoError(err)
	for j := 0; j < 4; j++ {
		assert.Equal(x.AtVec(j), y.AtVec(j))
	}

	_, err = m.Phi(x, mat.NewVecDense(3, nil))
	assert.Error(err)
	_, err = m.PhiInv(x, nil)
	assert.Error(err)
}
