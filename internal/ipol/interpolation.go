// Package ipol fits and evaluates bin-wise polynomial surrogates of MC
// generator output and persists them as interpolation sets.
package ipol

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/params"
)

var (
	ErrTooFewAnchors = errors.New("too few anchor runs")
	ErrSVD           = errors.New("SVD did not converge")
	ErrBadOrder      = errors.New("unsupported polynomial order")
	ErrCoeffLength   = errors.New("coefficient vector has wrong length")
)

// FitError reports why a single bin could not be fitted.
type FitError struct {
	ID    histo.BinID
	Cause error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("fit %s: %v", e.ID, e.Cause)
}

func (e *FitError) Unwrap() error { return e.Cause }

// InvalidError is returned when an interpolation flagged invalid is
// evaluated. It marks a data problem rather than a minimizer problem.
type InvalidError struct {
	ID histo.BinID
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("interpolation %s is invalid", e.ID)
}

// BinInterpolation is the polynomial surrogate of one bin:
// f(p) = Coeffs . L(scaled(p) - Center).
type BinInterpolation struct {
	ID    histo.BinID
	XLow  float64
	XHigh float64
	Order int
	// Center is in scaled coordinates.
	Center []float64
	Coeffs []float64
	// CoeffErrors is nil unless coefficient errors were requested.
	CoeffErrors []float64
	Valid       bool

	scaler     *params.Scaler
	longVector LongVectorFunc

	// scratch for ValueScaled
	lv []float64
	t  []float64
}

// NewBinInterpolation assembles an interpolation from stored coefficients.
// errs may be nil.
func NewBinInterpolation(id histo.BinID, xlow, xhigh float64, order int, scaler *params.Scaler, center, coeffs, errs []float64, valid bool) (*BinInterpolation, error) {
	if order != 2 && order != 3 {
		return nil, fmt.Errorf("%w: %d", ErrBadOrder, order)
	}
	d := scaler.Dim()
	if len(center) != d {
		return nil, fmt.Errorf("center of %s: %w: got %d, want %d", id, params.ErrLength, len(center), d)
	}
	n := NumCoeffs(order, d)
	if len(coeffs) != n {
		return nil, fmt.Errorf("%s: %w: got %d, want %d", id, ErrCoeffLength, len(coeffs), n)
	}
	if errs != nil && len(errs) != n {
		return nil, fmt.Errorf("%s errors: %w: got %d, want %d", id, ErrCoeffLength, len(errs), n)
	}
	bi := &BinInterpolation{
		ID:         id,
		XLow:       xlow,
		XHigh:      xhigh,
		Order:      order,
		Center:     append([]float64(nil), center...),
		Coeffs:     append([]float64(nil), coeffs...),
		Valid:      valid && allFinite(coeffs),
		scaler:     scaler,
		longVector: LongVectorFlat,
	}
	if errs != nil {
		bi.CoeffErrors = append([]float64(nil), errs...)
	}
	return bi, nil
}

// Scaler returns the scaler the interpolation was fitted with.
func (bi *BinInterpolation) Scaler() *params.Scaler { return bi.scaler }

// Dim returns the number of parameters.
func (bi *BinInterpolation) Dim() int { return len(bi.Center) }

// Value evaluates the surrogate at the unscaled point p.
func (bi *BinInterpolation) Value(p params.Point) (float64, error) {
	if err := params.GoodPartner(bi.scaler, p); err != nil {
		return 0, err
	}
	if !bi.Valid {
		return 0, &InvalidError{ID: bi.ID}
	}
	x := make([]float64, p.Dim())
	bi.scaler.ScaleValues(x, p.Values())
	return bi.ValueScaled(x), nil
}

// ValueScaled evaluates the surrogate at the scaled point x. It reuses
// internal scratch space, so it does not allocate and must not be called
// concurrently on the same interpolation. Validity is not checked.
func (bi *BinInterpolation) ValueScaled(x []float64) float64 {
	if len(bi.t) != len(x) {
		bi.t = make([]float64, len(x))
	}
	floats.SubTo(bi.t, x, bi.Center)
	bi.lv = bi.longVector(bi.lv, bi.t, bi.Order)
	return floats.Dot(bi.Coeffs, bi.lv)
}

// CheckedValueScaled is ValueScaled returning *InvalidError for an invalid
// interpolation.
func (bi *BinInterpolation) CheckedValueScaled(x []float64) (float64, error) {
	if !bi.Valid {
		return 0, &InvalidError{ID: bi.ID}
	}
	if len(x) != len(bi.Center) {
		return 0, fmt.Errorf("%s: %w: got %d, want %d", bi.ID, params.ErrLength, len(x), len(bi.Center))
	}
	return bi.ValueScaled(x), nil
}

// ErrorScaled propagates the coefficient errors to the scaled point x,
// treating them as uncorrelated. It returns 0 when no errors were computed.
func (bi *BinInterpolation) ErrorScaled(x []float64) float64 {
	if bi.CoeffErrors == nil {
		return 0
	}
	if len(bi.t) != len(x) {
		bi.t = make([]float64, len(x))
	}
	floats.SubTo(bi.t, x, bi.Center)
	bi.lv = bi.longVector(bi.lv, bi.t, bi.Order)
	var sum float64
	for i, l := range bi.lv {
		e := bi.CoeffErrors[i] * l
		sum += e * e
	}
	return math.Sqrt(sum)
}

// GradientScaled writes the analytic gradient of the surrogate with respect
// to the scaled coordinates at x into dst and returns it.
func (bi *BinInterpolation) GradientScaled(dst, x []float64) []float64 {
	d := len(x)
	dst = resize(dst, d)
	for i := range dst {
		dst[i] = 0
	}
	t := make([]float64, d)
	floats.SubTo(t, x, bi.Center)

	n := 1
	for i := 0; i < d; i++ {
		dst[i] += bi.Coeffs[n]
		n++
	}
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			c := bi.Coeffs[n]
			dst[i] += c * t[j]
			dst[j] += c * t[i]
			n++
		}
	}
	if bi.Order < 3 {
		return dst
	}
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			for k := j; k < d; k++ {
				c := bi.Coeffs[n]
				dst[i] += c * t[j] * t[k]
				dst[j] += c * t[i] * t[k]
				dst[k] += c * t[i] * t[j]
				n++
			}
		}
	}
	return dst
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
