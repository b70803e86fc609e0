// Package gof computes the weighted chi-squared between interpolated MC
// predictions and reference data.
package gof

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/tunedata"
)

var (
	ErrNoBins       = errors.New("no active bins")
	ErrZeroError    = errors.New("reference bin has zero error")
	ErrNoMCSamples  = errors.New("no MC samples for run")
	ErrMissingError = errors.New("missing error interpolation")
)

// Options configures ChiSquared.
type Options struct {
	// UseMCErrors adds the interpolated MC error of each bin in quadrature
	// to the reference error.
	UseMCErrors bool
	Metrics     *monitoring.Metrics
}

type chiBin struct {
	id      histo.BinID
	y       float64
	refVar  float64
	weight  float64
	ipol    *ipol.BinInterpolation
	errIpol *ipol.BinInterpolation
	mc      map[string]histo.Bin
}

// ChiSquared evaluates
//
//	chi2(p) = sum_b w_b (y_b - f_b(p))^2 / sigma_b^2
//
// over the active bins of a TuneData. Parameters are scaled. It is not safe
// for concurrent use.
type ChiSquared struct {
	scaler      *params.Scaler
	bins        []chiBin
	useMCErrors bool
	metrics     *monitoring.Metrics

	x     []float64
	evals int
	err   error
}

// New collects the active bins of td.
func New(td *tunedata.TuneData, opts Options) (*ChiSquared, error) {
	c := &ChiSquared{
		scaler:      td.Scaler(),
		useMCErrors: opts.UseMCErrors,
		metrics:     opts.Metrics,
	}
	for _, b := range td.Active() {
		if opts.UseMCErrors && b.ErrIpol == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingError, b.ID)
		}
		if b.Ref.YErr == 0 && !opts.UseMCErrors {
			return nil, fmt.Errorf("%w: %s", ErrZeroError, b.ID)
		}
		c.bins = append(c.bins, chiBin{
			id:      b.ID,
			y:       b.Ref.Y,
			refVar:  b.Ref.YErr * b.Ref.YErr,
			weight:  b.Weight,
			ipol:    b.Ipol,
			errIpol: b.ErrIpol,
			mc:      b.MC,
		})
	}
	if len(c.bins) == 0 {
		return nil, ErrNoBins
	}
	c.x = make([]float64, c.scaler.Dim())
	for i := range c.x {
		c.x[i] = 0.5
	}
	return c, nil
}

// Scaler returns the parameter scaler.
func (c *ChiSquared) Scaler() *params.Scaler { return c.scaler }

// Dim returns the number of parameters.
func (c *ChiSquared) Dim() int { return c.scaler.Dim() }

// NumBins returns the number of bins entering the sum.
func (c *ChiSquared) NumBins() int { return len(c.bins) }

// NDoF returns the degrees of freedom for nFree free parameters.
func (c *ChiSquared) NDoF(nFree int) int { return len(c.bins) - nFree }

// Evaluations returns how often Calc has run.
func (c *ChiSquared) Evaluations() int { return c.evals }

// SetParams binds the scaled trial point x.
func (c *ChiSquared) SetParams(x []float64) error {
	if len(x) != len(c.x) {
		return fmt.Errorf("%w: got %d, want %d", params.ErrLength, len(x), len(c.x))
	}
	copy(c.x, x)
	return nil
}

// Params returns a copy of the bound scaled point.
func (c *ChiSquared) Params() []float64 { return append([]float64(nil), c.x...) }

// Err returns the first *ipol.InvalidError met during evaluation, if any.
func (c *ChiSquared) Err() error { return c.err }

// Calc returns chi2 at the bound point. Negative predictions are used as is.
// An interpolation that does not evaluate to a finite value makes the
// result NaN and is reported by Err.
func (c *ChiSquared) Calc() float64 {
	c.evals++
	c.metrics.AddGoFEvaluations(1)
	var sum float64
	for i := range c.bins {
		sum += c.term(&c.bins[i])
	}
	return sum
}

// term is one bin's contribution. A surrogate that evaluates to Inf or NaN
// at the bound point is invalid there; the first such bin is kept for Err.
func (c *ChiSquared) term(b *chiBin) float64 {
	f := b.ipol.ValueScaled(c.x)
	if !finite(f) {
		return c.invalid(b.id)
	}
	r := b.y - f
	v := b.refVar
	if c.useMCErrors {
		e := b.errIpol.ValueScaled(c.x)
		if !finite(e) {
			return c.invalid(b.id)
		}
		v += e * e
	}
	return b.weight * r * r / v
}

func (c *ChiSquared) invalid(id histo.BinID) float64 {
	if c.err == nil {
		c.err = &ipol.InvalidError{ID: id}
	}
	return math.NaN()
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Func returns chi2 as a function of the scaled parameter vector, for
// handing to a minimizer. A vector of the wrong length yields NaN.
func (c *ChiSquared) Func() func(x []float64) float64 {
	return func(x []float64) float64 {
		if err := c.SetParams(x); err != nil {
			return math.NaN()
		}
		return c.Calc()
	}
}

// BinChi2 is one bin's contribution.
type BinChi2 struct {
	ID    histo.BinID
	Chi2  float64
	Value float64
}

// PerBin returns every bin's contribution at the scaled point x, in bin
// order.
func (c *ChiSquared) PerBin(x []float64) ([]BinChi2, error) {
	if err := c.SetParams(x); err != nil {
		return nil, err
	}
	out := make([]BinChi2, len(c.bins))
	for i := range c.bins {
		b := &c.bins[i]
		out[i] = BinChi2{ID: b.id, Chi2: c.term(b), Value: b.ipol.ValueScaled(c.x)}
	}
	return out, nil
}

// RunChi2 compares one anchor run's own histograms with the reference,
// using the MC samples attached to the tune data. Errors add in quadrature.
func (c *ChiSquared) RunChi2(run string) (float64, error) {
	var sum float64
	for i := range c.bins {
		b := &c.bins[i]
		mc, ok := b.mc[run]
		if !ok {
			return 0, fmt.Errorf("%w %s: %s", ErrNoMCSamples, run, b.id)
		}
		r := b.y - mc.Y
		v := b.refVar + mc.YErr*mc.YErr
		if v == 0 {
			return 0, fmt.Errorf("%w: %s", ErrZeroError, b.id)
		}
		sum += b.weight * r * r / v
	}
	return sum, nil
}
