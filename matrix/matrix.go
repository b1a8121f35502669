package matrix

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RowSums returns a slice containing m row sums.
// It panics if m is nil.
func RowSums(m *mat.Dense) []float64 {
	rows, _ := m.Dims()
	sum := make([]float64, rows)

	for i := 0; i < rows; i++ {
		sum[i] = floats.Sum(m.RawRowView(i))
	}

	return sum
}

// Symmetrize returns the symmetric part (m + m^T)/2 of matrix m.
// It panics if m is nil or not square.
func Symmetrize(m mat.Matrix) *mat.SymDense {
	rows, cols := m.Dims()
	if rows != cols {
		panic("matrix: symmetrizing a non-square matrix")
	}

	s := mat.NewSymDense(rows, nil)
	for i := 0; i < rows; i++ {
		for j := i; j < rows; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}

	return s
}

// ScaledIdentity returns the n by n identity matrix scaled by c.
// It panics if n is not positive.
func ScaledIdentity(n int, c float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, c)
	}

	return s
}

// IsZero returns true if m has zero size or all its elements are zero.
// It panics if m is nil.
func IsZero(m mat.Matrix) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}

	return true
}
