package ipol

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mctune/internal/params"
)

// DefaultRCond is the relative cutoff below which singular values are
// dropped from the pseudo-inverse.
const DefaultRCond = 1e-12

// FitOptions controls a single bin fit.
type FitOptions struct {
	// RCond is relative to the largest singular value. Zero means
	// DefaultRCond.
	RCond float64
	// CoeffErrors requests per-coefficient uncertainties.
	CoeffErrors bool
}

func (o FitOptions) rcond() float64 {
	if o.RCond <= 0 {
		return DefaultRCond
	}
	return o.RCond
}

// Constructor fits a BinInterpolation to a distribution around the scaled
// center.
type Constructor func(dist *BinDistribution, center []float64, opts FitOptions) (*BinInterpolation, error)

// InterpolationClass returns the constructor for quadratic (2) or cubic (3)
// interpolations, building long vectors with the flat or the nested builder.
func InterpolationClass(order int, fast bool) (Constructor, error) {
	if order != 2 && order != 3 {
		return nil, fmt.Errorf("%w: %d", ErrBadOrder, order)
	}
	lvf := LongVectorNested
	if fast {
		lvf = LongVectorFlat
	}
	return func(dist *BinDistribution, center []float64, opts FitOptions) (*BinInterpolation, error) {
		return fit(dist, center, order, lvf, opts)
	}, nil
}

// fit solves A c = y by SVD pseudo-inverse, where row n of A is the long
// vector of the n-th anchor's centred scaled point.
func fit(dist *BinDistribution, center []float64, order int, lvf LongVectorFunc, opts FitOptions) (*BinInterpolation, error) {
	scaler := dist.Scaler()
	d := scaler.Dim()
	if len(center) != d {
		return nil, &FitError{ID: dist.ID, Cause: fmt.Errorf("center: %w", params.ErrLength)}
	}
	m := NumCoeffs(order, d)
	samples := dist.Samples()
	n := len(samples)
	if n < m {
		return nil, &FitError{ID: dist.ID, Cause: fmt.Errorf("%w: have %d, need %d", ErrTooFewAnchors, n, m)}
	}

	a := mat.NewDense(n, m, nil)
	y := make([]float64, n)
	x := make([]float64, d)
	t := make([]float64, d)
	var lv []float64
	for r, s := range samples {
		scaler.ScaleValues(x, s.Point.Values())
		for i := range t {
			t[i] = x[i] - center[i]
		}
		lv = lvf(lv, t, order)
		a.SetRow(r, lv)
		y[r] = s.Bin.Y
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, &FitError{ID: dist.ID, Cause: ErrSVD}
	}
	sigma := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cut := opts.rcond() * sigma[0]
	// c = V diag(1/sigma) U^T y over the retained singular values.
	uty := mat.NewVecDense(len(sigma), nil)
	uty.MulVec(u.T(), mat.NewVecDense(n, y))
	for k, s := range sigma {
		if s > cut {
			uty.SetVec(k, uty.AtVec(k)/s)
		} else {
			uty.SetVec(k, 0)
		}
	}
	c := mat.NewVecDense(m, nil)
	c.MulVec(&v, uty)
	coeffs := make([]float64, m)
	for i := range coeffs {
		coeffs[i] = c.AtVec(i)
	}

	bi := &BinInterpolation{
		ID:         dist.ID,
		XLow:       dist.XLow,
		XHigh:      dist.XHigh,
		Order:      order,
		Center:     append([]float64(nil), center...),
		Coeffs:     coeffs,
		Valid:      allFinite(coeffs),
		scaler:     scaler,
		longVector: lvf,
	}
	if opts.CoeffErrors {
		bi.CoeffErrors = coefficientErrors(&v, sigma, cut, dist.MedianError())
	}
	return bi, nil
}

// coefficientErrors returns sqrt(diag(V S^-2 V^T)) scaled by the per-bin
// error estimate.
func coefficientErrors(v *mat.Dense, sigma []float64, cut, scale float64) []float64 {
	m, _ := v.Dims()
	errs := make([]float64, m)
	for i := 0; i < m; i++ {
		var sum float64
		for k, s := range sigma {
			if s <= cut {
				continue
			}
			q := v.At(i, k) / s
			sum += q * q
		}
		errs[i] = math.Sqrt(sum) * scale
	}
	return errs
}
