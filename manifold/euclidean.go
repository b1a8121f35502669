package manifold

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Euclidean is the flat vector space manifold. Its retraction is plain
// vector addition, which turns manifold filters into their textbook
// vector space versions.
type Euclidean struct {
	dim int
}

// NewEuclidean creates new Euclidean manifold of the given dimension and returns it.
// It returns error if dim is not positive.
func NewEuclidean(dim int) (*Euclidean, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid manifold dimension: %d", dim)
	}

	return &Euclidean{dim: dim}, nil
}

// Dim returns the tangent space dimension
func (m *Euclidean) Dim() int { return m.dim }

// Phi retracts tangent vector xi onto the manifold at state x.
func (m *Euclidean) Phi(x, xi mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != m.dim {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if xi == nil || xi.Len() != m.dim {
		return nil, fmt.Errorf("invalid tangent vector length: %d", vecLen(xi))
	}

	out := mat.NewVecDense(m.dim, nil)
	out.AddVec(x, xi)

	return out, nil
}

// PhiInv returns the tangent vector at state x pointing to state y.
func (m *Euclidean) PhiInv(x, y mat.Vector) (mat.Vector, error) {
	if x == nil || x.Len() != m.dim {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(x))
	}

	if y == nil || y.Len() != m.dim {
		return nil, fmt.Errorf("invalid state length: %d", vecLen(y))
	}

	out := mat.NewVecDense(m.dim, nil)
	out.SubVec(y, x)

	return out, nil
}
