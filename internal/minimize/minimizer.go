// Package minimize drives a black-box minimizer over the goodness of fit and
// packages the outcome as a tune result.
package minimize

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrUnknownMethod = errors.New("unknown minimizer method")
	ErrBadLimit      = errors.New("invalid parameter limit")
)

// Limit bounds one parameter. Infinite bounds mean unlimited.
type Limit struct {
	Low  float64
	High float64
}

// NoLimit leaves a parameter free.
var NoLimit = Limit{Low: math.Inf(-1), High: math.Inf(1)}

// Bounded reports whether both bounds are finite.
func (l Limit) Bounded() bool {
	return !math.IsInf(l.Low, 0) && !math.IsInf(l.High, 0)
}

// Validate rejects NaN, inverted or one-sided limits.
func (l Limit) Validate() error {
	if math.IsNaN(l.Low) || math.IsNaN(l.High) {
		return fmt.Errorf("%w: NaN bound", ErrBadLimit)
	}
	if math.IsInf(l.Low, -1) && math.IsInf(l.High, 1) {
		return nil
	}
	if !l.Bounded() {
		return fmt.Errorf("%w: one-sided limit [%v, %v]", ErrBadLimit, l.Low, l.High)
	}
	if l.Low >= l.High {
		return fmt.Errorf("%w: low %v >= high %v", ErrBadLimit, l.Low, l.High)
	}
	return nil
}

// Outcome is what a Minimizer reports. All vectors have the full dimension;
// fixed parameters keep their start value and have zero error.
type Outcome struct {
	X      []float64
	F      float64
	Errors []float64
	// Cov is nil when the curvature at the optimum could not be inverted.
	Cov         *mat.SymDense
	Status      string
	Evaluations int
}

// Minimizer minimizes an array-valued objective from a start point with an
// optional fixed mask and optional per-parameter limits. fixed and limits are
// either empty or have the length of start.
type Minimizer interface {
	Name() string
	Minimize(f func([]float64) float64, start []float64, fixed []bool, limits []Limit) (Outcome, error)
}
