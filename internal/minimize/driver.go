package minimize

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/timeutil"
)

// StartMethod selects how starting points are chosen.
type StartMethod string

const (
	StartCenter StartMethod = "center"
	StartRandom StartMethod = "random"
	StartManual StartMethod = "manual"
)

// ParseStartMethod validates a start method name.
func ParseStartMethod(s string) (StartMethod, error) {
	switch m := StartMethod(s); m {
	case StartCenter, StartRandom, StartManual:
		return m, nil
	case "":
		return StartCenter, nil
	default:
		return "", fmt.Errorf("unknown start method %q", s)
	}
}

// Default validation tolerances.
const (
	DefaultGoFTolerance   = 1e-3
	DefaultParamTolerance = 1e-3
)

// Options configures a Driver. Points, fixes and limits are unscaled.
type Options struct {
	Start StartMethod
	// StartPoint is used by StartManual.
	StartPoint params.Point
	// NumStarts is the number of random starts; center and manual starts
	// run once.
	NumStarts int
	Seed      uint64
	Fixed     map[string]float64
	Limits    map[string]params.Bounds
	Validate  bool
	// GoFTolerance is relative to max(|gof|, 1).
	GoFTolerance float64
	// ParamTolerance is relative to each parameter's range width.
	ParamTolerance float64
}

// GoF is the objective the driver minimizes. Func takes scaled parameters.
type GoF interface {
	Func() func([]float64) float64
	Scaler() *params.Scaler
	NDoF(nFree int) int
}

// MinError reports a failed minimization with the last point tried.
type MinError struct {
	Msg    string
	Status string
	// LastPoint is unscaled; it is the zero Point when nothing was evaluated.
	LastPoint params.Point
	Err       error
}

func (e *MinError) Error() string {
	s := "minimization failed"
	if e.Status != "" {
		s += " (" + e.Status + ")"
	}
	s += ": " + e.Msg
	if !e.LastPoint.IsZero() {
		s += " at " + e.LastPoint.String()
	}
	return s
}

func (e *MinError) Unwrap() error { return e.Err }

// Driver runs the minimizer over a goodness of fit, including start point
// selection, fixes, limits and validation.
type Driver struct {
	GoF       GoF
	Minimizer Minimizer
	Options   Options
	// Observables and RunsKey are recorded on each result.
	Observables []string
	RunsKey     string
	Logf        monitoring.LogFunc
	Metrics     *monitoring.Metrics
	// Clock times each minimization; nil means the real clock.
	Clock timeutil.Clock
}

// config holds the scaled fixes and limits derived from Options.
type config struct {
	fixed  []bool
	values []float64
	limits []Limit
	nFree  int
}

func (d *Driver) configure() (*config, error) {
	sc := d.GoF.Scaler()
	n := sc.Dim()
	c := &config{fixed: make([]bool, n), values: make([]float64, n), limits: make([]Limit, n), nFree: n}
	for i := range c.limits {
		c.limits[i] = NoLimit
	}
	for name, v := range d.Options.Fixed {
		i := sc.Index(name)
		if i < 0 {
			return nil, fmt.Errorf("fixed parameter %s: %w", name, params.ErrUnknownKey)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("fixed parameter %s: %w", name, params.ErrNonFinite)
		}
		c.fixed[i] = true
		c.values[i] = (v - sc.Low(i)) / sc.Width(i)
		c.nFree--
	}
	for name, b := range d.Options.Limits {
		i := sc.Index(name)
		if i < 0 {
			return nil, fmt.Errorf("limit %s: %w", name, params.ErrUnknownKey)
		}
		l := Limit{Low: (b.Low - sc.Low(i)) / sc.Width(i), High: (b.High - sc.Low(i)) / sc.Width(i)}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("limit %s: %w", name, err)
		}
		c.limits[i] = l
	}
	return c, nil
}

// StartPoints returns the scaled starting points for the configured method.
func (d *Driver) StartPoints() ([][]float64, error) {
	c, err := d.configure()
	if err != nil {
		return nil, err
	}
	return d.startPoints(c)
}

func (d *Driver) startPoints(c *config) ([][]float64, error) {
	sc := d.GoF.Scaler()
	n := sc.Dim()
	span := func(i int) (float64, float64) {
		if l := c.limits[i]; l.Bounded() {
			return l.Low, l.High
		}
		return 0, 1
	}
	var starts [][]float64
	switch d.Options.Start {
	case StartCenter, "":
		x := make([]float64, n)
		for i := range x {
			lo, hi := span(i)
			x[i] = 0.5 * (lo + hi)
		}
		starts = append(starts, x)
	case StartManual:
		p, err := sc.Scale(d.Options.StartPoint)
		if err != nil {
			return nil, fmt.Errorf("manual start point: %w", err)
		}
		starts = append(starts, p.Values())
	case StartRandom:
		num := d.Options.NumStarts
		if num < 1 {
			num = 1
		}
		src := rand.NewPCG(d.Options.Seed, d.Options.Seed)
		for k := 0; k < num; k++ {
			x := make([]float64, n)
			for i := range x {
				lo, hi := span(i)
				x[i] = distuv.Uniform{Min: lo, Max: hi, Src: src}.Rand()
			}
			starts = append(starts, x)
		}
	default:
		return nil, fmt.Errorf("unknown start method %q", d.Options.Start)
	}
	for _, x := range starts {
		for i, f := range c.fixed {
			if f {
				x[i] = c.values[i]
			}
		}
	}
	return starts, nil
}

// Run minimizes from every starting point and returns the results in start
// order. The first failure stops the run and is returned with the results
// collected so far.
func (d *Driver) Run() ([]*Result, error) {
	logf := monitoring.Or(d.Logf)
	c, err := d.configure()
	if err != nil {
		return nil, err
	}
	starts, err := d.startPoints(c)
	if err != nil {
		return nil, err
	}
	var results []*Result
	for k, x := range starts {
		r, err := d.minimizeFrom(c, x)
		if err != nil {
			return results, fmt.Errorf("start %d: %w", k, err)
		}
		logf("Start %d: gof %.6g, ndof %d, %s", k, r.GoF, r.NDoF, r.Params)
		if d.Options.Validate {
			v, err := d.Validate(r)
			if err != nil {
				return results, err
			}
			if !v.OK {
				logf("WARNING: start %d failed validation: %s", k, v)
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// MinimizeFrom runs one minimization from the scaled point start.
func (d *Driver) MinimizeFrom(start []float64) (*Result, error) {
	c, err := d.configure()
	if err != nil {
		return nil, err
	}
	x := append([]float64(nil), start...)
	for i, f := range c.fixed {
		if f && i < len(x) {
			x[i] = c.values[i]
		}
	}
	return d.minimizeFrom(c, x)
}

func (d *Driver) minimizeFrom(c *config, start []float64) (*Result, error) {
	sc := d.GoF.Scaler()
	if len(start) != sc.Dim() {
		return nil, fmt.Errorf("start point: %w", params.ErrLength)
	}
	m := NewMachine()
	if err := m.To(StateConfigured); err != nil {
		return nil, err
	}
	if err := m.To(StateRunning); err != nil {
		return nil, err
	}
	clock := timeutil.Or(d.Clock)
	began := clock.Now()
	out, err := d.call(start, c.fixed, c.limits)
	if evalErr := d.evaluationError(); evalErr != nil {
		d.fail(m, timeutil.Since(clock, began))
		return nil, evalErr
	}
	if err != nil {
		d.fail(m, timeutil.Since(clock, began))
		return nil, d.minError(out, err)
	}
	if err := m.To(StateConverged); err != nil {
		return nil, err
	}
	d.Metrics.ObserveMinimization(string(StateConverged), timeutil.Since(clock, began))
	return d.packageResult(c, out, m.State()), nil
}

func (d *Driver) fail(m *Machine, took time.Duration) {
	_ = m.To(StateFailed)
	d.Metrics.ObserveMinimization(string(StateFailed), took)
}

// evaluationError surfaces an interpolation that became invalid during
// evaluation, when the objective reports it.
func (d *Driver) evaluationError() error {
	if e, ok := d.GoF.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}

func (d *Driver) minError(out Outcome, err error) *MinError {
	me := &MinError{Msg: err.Error(), Status: out.Status, Err: err}
	if len(out.X) == d.GoF.Scaler().Dim() {
		if p, perr := d.GoF.Scaler().ScaledPoint(out.X); perr == nil {
			me.LastPoint, _ = d.GoF.Scaler().Descale(p)
		}
	}
	return me
}

// call runs the minimizer, converting panics into errors and remembering
// the last point evaluated.
func (d *Driver) call(start []float64, fixed []bool, limits []Limit) (out Outcome, err error) {
	f := d.GoF.Func()
	last := append([]float64(nil), start...)
	tracked := func(x []float64) float64 {
		copy(last, x)
		return f(x)
	}
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{X: last}
			err = fmt.Errorf("minimizer panic: %v", r)
		}
		if err != nil && out.X == nil {
			out.X = last
		}
	}()
	return d.Minimizer.Minimize(tracked, start, fixed, limits)
}

func (d *Driver) packageResult(c *config, out Outcome, state State) *Result {
	sc := d.GoF.Scaler()
	n := sc.Dim()
	raw, _ := sc.ScaledPoint(out.X)
	unscaled, _ := sc.Descale(raw)
	// Rescale so Scaled is exactly what a reader derives from Params.
	scaled, _ := sc.Scale(unscaled)
	errs := make([]float64, n)
	for i := range errs {
		errs[i] = sc.DescaleError(i, out.Errors[i])
	}
	r := &Result{
		ID:          uuid.New().String(),
		Params:      unscaled,
		Scaled:      scaled,
		ErrLow:      errs,
		ErrHigh:     append([]float64(nil), errs...),
		Range:       sc.Range(),
		GoF:         out.F,
		NDoF:        d.GoF.NDoF(c.nFree),
		Observables: append([]string(nil), d.Observables...),
		RunsKey:     d.RunsKey,
		Start:       d.Options.Start,
		Fixed:       make(map[string]float64, len(d.Options.Fixed)),
		State:       state,
		Status:      out.Status,
		Minimizer:   d.Minimizer.Name(),
		Evaluations: out.Evaluations,
	}
	if r.Start == "" {
		r.Start = StartCenter
	}
	for k, v := range d.Options.Fixed {
		r.Fixed[k] = v
	}
	if r.NDoF > 0 {
		r.PValue = distuv.ChiSquared{K: float64(r.NDoF)}.Survival(r.GoF)
	}
	if out.Cov != nil {
		cov := params.NewMatrix(sc.Keys())
		sym := cov.Sym()
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				sym.SetSym(i, j, out.Cov.At(i, j)*sc.Width(i)*sc.Width(j))
			}
		}
		r.Cov = cov
	}
	return r
}
