package params

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a square symmetric matrix indexed on both axes by the same key
// tuple. It is used for covariance matrices.
type Matrix struct {
	keys []string
	sym  *mat.SymDense
}

// NewMatrix returns a zero matrix over keys (which must be sorted).
func NewMatrix(keys []string) Matrix {
	return Matrix{keys: keys, sym: mat.NewSymDense(len(keys), nil)}
}

// MatrixFromSym wraps sym, which must have dimension len(keys).
func MatrixFromSym(keys []string, sym *mat.SymDense) (Matrix, error) {
	if sym == nil || sym.SymmetricDim() != len(keys) {
		n := 0
		if sym != nil {
			n = sym.SymmetricDim()
		}
		return Matrix{}, fmt.Errorf("%w: %d keys, matrix dim %d", ErrLength, len(keys), n)
	}
	return Matrix{keys: keys, sym: sym}, nil
}

// Keys returns the key tuple shared by rows and columns.
func (m Matrix) Keys() []string { return m.keys }

// IsZero reports whether the matrix is unset.
func (m Matrix) IsZero() bool { return m.sym == nil }

// At returns element (i, j).
func (m Matrix) At(i, j int) float64 { return m.sym.At(i, j) }

// Get returns the element for the named pair.
func (m Matrix) Get(a, b string) (float64, error) {
	i, j := keyIndex(m.keys, a), keyIndex(m.keys, b)
	if i < 0 || j < 0 {
		return 0, fmt.Errorf("%w: %s, %s", ErrUnknownKey, a, b)
	}
	return m.sym.At(i, j), nil
}

// Set assigns the element for the named pair (and its mirror).
func (m Matrix) Set(a, b string, v float64) error {
	i, j := keyIndex(m.keys, a), keyIndex(m.keys, b)
	if i < 0 || j < 0 {
		return fmt.Errorf("%w: %s, %s", ErrUnknownKey, a, b)
	}
	m.sym.SetSym(i, j, v)
	return nil
}

// Sym exposes the underlying gonum matrix.
func (m Matrix) Sym() *mat.SymDense { return m.sym }

// Correlation returns the correlation matrix derived from a covariance
// matrix. Rows with zero variance are left at zero.
func (m Matrix) Correlation() Matrix {
	n := len(m.keys)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := m.sym.At(i, i) * m.sym.At(j, j)
			if d > 0 {
				out.SetSym(i, j, m.sym.At(i, j)/math.Sqrt(d))
			}
		}
	}
	return Matrix{keys: m.keys, sym: out}
}
