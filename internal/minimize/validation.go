package minimize

import (
	"errors"
	"fmt"
	"math"
)

var ErrValidationFailed = errors.New("result failed validation")

// Validation records the outcome of re-minimizing with each free parameter
// fixed at its optimum in turn. A stable optimum reproduces the same goodness
// of fit and leaves the other parameters where they were.
type Validation struct {
	OK bool
	// Param is the parameter that moved, or the one held fixed when the
	// re-minimization failed or the goodness of fit shifted.
	Param     string
	Reason    string
	Deviation float64
}

func (v Validation) String() string {
	if v.OK {
		return "ok"
	}
	return fmt.Sprintf("%s: %s (deviation %.3g)", v.Param, v.Reason, v.Deviation)
}

// Err returns nil for a passing validation.
func (v Validation) Err() error {
	if v.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidationFailed, v)
}

func (d *Driver) tolerances() (gofTol, paramTol float64) {
	gofTol, paramTol = d.Options.GoFTolerance, d.Options.ParamTolerance
	if gofTol <= 0 {
		gofTol = DefaultGoFTolerance
	}
	if paramTol <= 0 {
		paramTol = DefaultParamTolerance
	}
	return gofTol, paramTol
}

// Validate checks a converged result and records the outcome on it. The
// returned error is reserved for misuse, such as validating a result that
// did not converge; a failing check is reported through Validation.
func (d *Driver) Validate(r *Result) (Validation, error) {
	c, err := d.configure()
	if err != nil {
		return Validation{}, err
	}
	m := &Machine{state: r.State}
	if err := m.To(StateValidating); err != nil {
		return Validation{}, err
	}
	r.State = m.State()
	v := d.validate(c, r)
	next := StateValidated
	outcome := "ok"
	if !v.OK {
		next = StateInvalid
		outcome = "invalid"
	}
	if err := m.To(next); err != nil {
		return Validation{}, err
	}
	r.State = m.State()
	r.Validation = &v
	d.Metrics.ObserveValidation(outcome)
	return v, nil
}

func (d *Driver) validate(c *config, r *Result) Validation {
	keys := d.GoF.Scaler().Keys()
	gofTol, paramTol := d.tolerances()
	x0 := r.Scaled.Values()
	for i, key := range keys {
		if c.fixed[i] {
			continue
		}
		fixed := append([]bool(nil), c.fixed...)
		fixed[i] = true
		out, err := d.call(x0, fixed, c.limits)
		if err == nil {
			err = d.evaluationError()
		}
		if err != nil {
			return Validation{Param: key, Reason: "re-minimization failed: " + err.Error(), Deviation: math.Inf(1)}
		}
		if dg := math.Abs(out.F-r.GoF) / math.Max(math.Abs(r.GoF), 1); dg > gofTol {
			return Validation{Param: key, Reason: "goodness of fit shifted with parameter fixed", Deviation: dg}
		}
		for j, other := range keys {
			if j == i || fixed[j] {
				continue
			}
			if dp := math.Abs(out.X[j] - x0[j]); dp > paramTol {
				return Validation{Param: other, Reason: fmt.Sprintf("moved with %s fixed", key), Deviation: dp}
			}
		}
	}
	return Validation{OK: true}
}
