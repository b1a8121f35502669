package estimate

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Base is base estimate
type Base struct {
	// val is estimated value
	val *mat.VecDense
	// cov is estimated covariance
	cov *mat.SymDense
}

// NewBase returns base estimate given val. Its covariance has zero size.
func NewBase(val mat.Vector) (*Base, error) {
	v := &mat.VecDense{}
	if val != nil {
		v.CloneFromVec(val)
	}

	return &Base{
		val: v,
		cov: &mat.SymDense{},
	}, nil
}

// NewBaseWithCov returns base estimate given value and covariance.
// The value length and the covariance dimension may differ: manifold state
// values live in an embedding space while their covariances live in the
// tangent space.
func NewBaseWithCov(val mat.Vector, cov mat.Symmetric) (*Base, error) {
	if val == nil || cov == nil {
		return nil, fmt.Errorf("invalid estimate value or covariance")
	}

	v := &mat.VecDense{}
	v.CloneFromVec(val)

	c := &mat.SymDense{}
	if n := cov.SymmetricDim(); n > 0 {
		c = mat.NewSymDense(n, nil)
		c.CopySym(cov)
	}

	return &Base{
		val: v,
		cov: c,
	}, nil
}

// Val returns estimated value
func (b *Base) Val() mat.Vector {
	v := &mat.VecDense{}
	v.CloneFromVec(b.val)

	return v
}

// Cov returns covariance estimate
func (b *Base) Cov() mat.Symmetric {
	if b.cov.SymmetricDim() == 0 {
		return &mat.SymDense{}
	}

	cov := mat.NewSymDense(b.cov.SymmetricDim(), nil)
	cov.CopySym(b.cov)

	return cov
}
