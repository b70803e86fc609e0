package minimize

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/mctune/internal/params"
)

// Method names accepted by MethodByName.
const (
	MethodBFGS            = "bfgs"
	MethodLBFGS           = "lbfgs"
	MethodNelderMead      = "nelder-mead"
	MethodGradientDescent = "gradient-descent"
)

// MethodByName returns a fresh gonum method for name.
func MethodByName(name string) (optimize.Method, error) {
	switch strings.ToLower(name) {
	case MethodBFGS, "":
		return &optimize.BFGS{}, nil
	case MethodLBFGS:
		return &optimize.LBFGS{}, nil
	case MethodNelderMead:
		return &optimize.NelderMead{}, nil
	case MethodGradientDescent:
		return &optimize.GradientDescent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
}

// GonumMinimizer adapts gonum/optimize to Minimizer. Limited parameters are
// mapped through p = lo + (hi-lo)(sin(t)+1)/2 so the method sees an
// unconstrained problem. Gradients come from central finite differences.
type GonumMinimizer struct {
	Method string
	// MaxIterations caps major iterations; zero means no cap.
	MaxIterations int
	// Tolerance is the function convergence threshold.
	Tolerance float64
	// GradTolerance stops gradient methods once the infinity norm of the
	// gradient falls below it. Zero means 1e-8.
	GradTolerance float64
	// Step is the finite-difference step; zero uses the formula default.
	Step float64
}

// Name returns the method name.
func (g *GonumMinimizer) Name() string {
	if g.Method == "" {
		return MethodBFGS
	}
	return strings.ToLower(g.Method)
}

func (g *GonumMinimizer) tolerance() float64 {
	if g.Tolerance <= 0 {
		return 1e-10
	}
	return g.Tolerance
}

func (g *GonumMinimizer) method() (optimize.Method, error) {
	m, err := MethodByName(g.Method)
	if err != nil {
		return nil, err
	}
	gt := g.GradTolerance
	if gt <= 0 {
		gt = 1e-8
	}
	switch m := m.(type) {
	case *optimize.BFGS:
		m.GradStopThreshold = gt
	case *optimize.LBFGS:
		m.GradStopThreshold = gt
	case *optimize.GradientDescent:
		m.GradStopThreshold = gt
	}
	return m, nil
}

// transform maps between the full external vector and the free internal
// coordinates.
type transform struct {
	start  []float64
	free   []int
	limits []Limit
}

func (tr *transform) toExternal(dst, theta []float64) {
	copy(dst, tr.start)
	for k, i := range tr.free {
		if l := tr.limits[i]; l.Bounded() {
			dst[i] = l.Low + (l.High-l.Low)*(math.Sin(theta[k])+1)/2
		} else {
			dst[i] = theta[k]
		}
	}
}

func (tr *transform) toInternal(x []float64) []float64 {
	theta := make([]float64, len(tr.free))
	for k, i := range tr.free {
		if l := tr.limits[i]; l.Bounded() {
			a := 2*(x[i]-l.Low)/(l.High-l.Low) - 1
			// Keep away from the turning points where the gradient vanishes.
			a = math.Max(-1+1e-8, math.Min(1-1e-8, a))
			theta[k] = math.Asin(a)
		} else {
			theta[k] = x[i]
		}
	}
	return theta
}

// Minimize implements Minimizer.
func (g *GonumMinimizer) Minimize(f func([]float64) float64, start []float64, fixed []bool, limits []Limit) (Outcome, error) {
	n := len(start)
	if len(fixed) != 0 && len(fixed) != n {
		return Outcome{}, fmt.Errorf("fixed mask: %w", params.ErrLength)
	}
	if len(limits) != 0 && len(limits) != n {
		return Outcome{}, fmt.Errorf("limits: %w", params.ErrLength)
	}
	tr := &transform{start: append([]float64(nil), start...), limits: make([]Limit, n)}
	for i := 0; i < n; i++ {
		tr.limits[i] = NoLimit
		if len(limits) != 0 {
			if err := limits[i].Validate(); err != nil {
				return Outcome{}, fmt.Errorf("parameter %d: %w", i, err)
			}
			tr.limits[i] = limits[i]
		}
		if len(fixed) == 0 || !fixed[i] {
			tr.free = append(tr.free, i)
		}
	}

	x := make([]float64, n)
	evals := 0
	var g0 guard
	obj := func(theta []float64) (v float64) {
		defer g0.recover(&v)
		tr.toExternal(x, theta)
		evals++
		return f(x)
	}

	if len(tr.free) == 0 {
		v := f(tr.start)
		return Outcome{
			X:           tr.start,
			F:           v,
			Errors:      make([]float64, n),
			Status:      optimize.Success.String(),
			Evaluations: 1,
		}, nil
	}

	method, err := g.method()
	if err != nil {
		return Outcome{}, err
	}
	problem := optimize.Problem{Func: obj, Status: g0.status}
	if uses, err := method.Uses(optimize.Available{Grad: true}); err == nil && uses.Grad {
		settings := &fd.Settings{Formula: fd.Central, Step: g.Step}
		problem.Grad = func(grad, theta []float64) {
			fd.Gradient(grad, obj, theta, settings)
		}
	}
	settings := &optimize.Settings{
		Converger:       &optimize.FunctionConverge{Absolute: g.tolerance(), Relative: g.tolerance(), Iterations: 100},
		MajorIterations: g.MaxIterations,
	}
	res, err := optimize.Minimize(problem, tr.toInternal(tr.start), settings, method)
	if errors.Is(err, optimize.ErrNoProgress) && res != nil {
		// The line search cannot improve on the location at machine
		// precision, which is a converged state for finite-difference
		// gradients.
		err = nil
	}
	if err != nil {
		out := Outcome{X: append([]float64(nil), x...), Evaluations: evals}
		if res != nil {
			out.Status = res.Status.String()
		}
		return out, err
	}
	if _, simplex := method.(*optimize.NelderMead); !simplex && !res.Status.Early() {
		res = polish(problem, res, g.MaxIterations)
		if _, err := g0.status(); err != nil {
			return Outcome{X: append([]float64(nil), x...), Evaluations: evals, Status: optimize.Failure.String()}, err
		}
	}
	best := make([]float64, n)
	tr.toExternal(best, res.X)
	out := Outcome{
		X:           best,
		F:           res.F,
		Errors:      make([]float64, n),
		Status:      res.Status.String(),
		Evaluations: evals,
	}
	if res.Status.Early() {
		return out, fmt.Errorf("minimizer stopped early: %s", res.Status)
	}

	cov := covariance(f, best, tr.free, g.Step)
	if cov != nil {
		out.Cov = cov
		for i := 0; i < n; i++ {
			if v := cov.At(i, i); v > 0 {
				out.Errors[i] = math.Sqrt(v)
			}
		}
	}
	return out, nil
}

// polish restarts from the optimum of a gradient method with a small
// Nelder-Mead simplex. Gradient stopping thresholds end too early where the
// objective is flat to high order, e.g. a chi-squared that vanishes at its
// minimum. The polished point is kept only when it is no worse.
func polish(problem optimize.Problem, res *optimize.Result, maxIter int) *optimize.Result {
	if maxIter <= 0 {
		maxIter = 10000
	}
	settings := &optimize.Settings{
		Converger:       &optimize.FunctionConverge{Relative: 1e-14, Iterations: 50},
		MajorIterations: maxIter,
	}
	p := optimize.Problem{Func: problem.Func, Status: problem.Status}
	nm := &optimize.NelderMead{SimplexSize: 0.01}
	pr, _ := optimize.Minimize(p, append([]float64(nil), res.X...), settings, nm)
	if pr == nil || math.IsNaN(pr.F) || pr.F > res.F {
		return res
	}
	pr.Status = res.Status
	return pr
}

// guard converts a panic in the objective into a failed status. gonum
// evaluates the objective on its own goroutines, out of reach of the
// caller's recover.
type guard struct {
	mu  sync.Mutex
	err error
}

func (g *guard) recover(v *float64) {
	if r := recover(); r != nil {
		g.mu.Lock()
		if g.err == nil {
			g.err = fmt.Errorf("objective panic: %v", r)
		}
		g.mu.Unlock()
		*v = math.NaN()
	}
}

func (g *guard) status() (optimize.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return optimize.Failure, g.err
	}
	return optimize.NotTerminated, nil
}

// covariance returns 2 H^-1 of f over the free parameters at x, embedded in
// a full-size matrix with zero rows for fixed parameters. The Hessian is
// inverted by Cholesky, falling back to the pseudo-inverse over positive
// eigenvalues. It returns nil when no curvature is positive.
func covariance(f func([]float64) float64, x []float64, free []int, step float64) *mat.SymDense {
	m := len(free)
	xf := make([]float64, len(x))
	sub := func(y []float64) float64 {
		copy(xf, x)
		for k, i := range free {
			xf[i] = y[k]
		}
		return f(xf)
	}
	y0 := make([]float64, m)
	for k, i := range free {
		y0[k] = x[i]
	}
	var h mat.SymDense
	fd.Hessian(&h, sub, y0, &fd.Settings{Formula: fd.Central, Step: step})

	inv := mat.NewSymDense(m, nil)
	var chol mat.Cholesky
	if chol.Factorize(&h) {
		if err := chol.InverseTo(inv); err != nil {
			return nil
		}
	} else {
		var es mat.EigenSym
		if !es.Factorize(&h, true) {
			return nil
		}
		vals := es.Values(nil)
		var vecs mat.Dense
		es.VectorsTo(&vecs)
		positive := false
		for a := 0; a < m; a++ {
			for b := a; b < m; b++ {
				var s float64
				for k, lam := range vals {
					if lam <= 0 {
						continue
					}
					positive = true
					s += vecs.At(a, k) * vecs.At(b, k) / lam
				}
				inv.SetSym(a, b, s)
			}
		}
		if !positive {
			return nil
		}
	}

	full := mat.NewSymDense(len(x), nil)
	for a, i := range free {
		for b, j := range free {
			if b < a {
				continue
			}
			full.SetSym(i, j, 2*inv.At(a, b))
		}
	}
	return full
}
