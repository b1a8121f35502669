package manifold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestCompoundNew(t *testing.T) {
	assert := assert.New(t)

	m, err := NewCompound(Right)
	assert.NotNil(m)
	assert.NoError(err)
	assert.Equal(9, m.Dim())

	m, err = NewCompound(Side(7))
	assert.Nil(m)
	assert.Error(err)
}

func TestCompoundRetraction(t *testing.T) {
	assert := assert.New(t)

	rng := rand.New(rand.NewSource(30))

	for _, side := range []Side{Right, Left} {
		m, err := NewCompound(side)
		assert.NoError(err)

		for i := 0; i < 20; i++ {
			x := randPose(rng)
			xi := randVec(rng, 9, 1.0)

			y, err := m.Phi(x, xi)
			assert.NoError(err)
			back, err := m.PhiInv(x, y)
			assert.NoError(err)
			for j := 0; j < 9; j++ {
				assert.InDelta(xi.AtVec(j), back.AtVec(j), 1e-10)
			}

			// velocity and position parts shift by the plain perturbation
			for j := 0; j < 6; j++ {
				assert.InDelta(x.AtVec(4+j)+xi.AtVec(3+j), y.AtVec(4+j), 1e-12)
			}
		}
	}
}

func TestCompoundRetractionZero(t *testing.T) {
	assert := assert.New(t)

	rng := rand.New(rand.NewSource(31))

	m, err := NewCompound(Right)
	assert.NoError(err)

	x := randPose(rng)

	y, err := m.Phi(x, mat.NewVecDense(9, nil))
	assert.NoError(err)
	for j := 0; j < 10; j++ {
		assert.Equal(x.AtVec(j), y.AtVec(j))
	}

	_, err = m.Phi(x, mat.NewVecDense(10, nil))
	assert.Error(err)
	_, err = m.PhiInv(mat.NewVecDense(9, nil), x)
	assert.Error(err)
}
