package minimize

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/params"
)

const resultFormatVersion = 1

// Result is the packaged outcome of one minimization. Params, errors and
// covariance are in physical units; Scaled holds the optimum in the unit
// cube of Range.
type Result struct {
	ID      string
	Params  params.Point
	Scaled  params.Point
	ErrLow  []float64
	ErrHigh []float64
	// Cov is the zero Matrix when the curvature could not be inverted.
	Cov   params.Matrix
	Range params.Range
	GoF   float64
	NDoF  int
	// PValue is the chi-squared survival probability; zero when NDoF < 1.
	PValue      float64
	Observables []string
	RunsKey     string
	Start       StartMethod
	Fixed       map[string]float64
	State       State
	Status      string
	Minimizer   string
	Evaluations int
	Validation  *Validation
}

// ParamError returns the lower and upper error of the named parameter.
func (r *Result) ParamError(name string) (low, high float64, ok bool) {
	i := r.Params.Index(name)
	if i < 0 {
		return 0, 0, false
	}
	return r.ErrLow[i], r.ErrHigh[i], true
}

// Best returns the result with the lowest goodness of fit, or nil.
func Best(results []*Result) *Result {
	var best *Result
	for _, r := range results {
		if r != nil && (best == nil || r.GoF < best.GoF) {
			best = r
		}
	}
	return best
}

// ResultFormatError reports a malformed result file.
type ResultFormatError struct {
	File string
	Line int
	Msg  string
}

func (e *ResultFormatError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func ff(v float64) string { return strconv.FormatFloat(v, 'e', 16, 64) }

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// WriteResult writes r in the line-oriented result format.
func WriteResult(w io.Writer, r *Result) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# mctune tune result")
	fmt.Fprintf(bw, "format %d\n", resultFormatVersion)
	fmt.Fprintf(bw, "id %s\n", orDash(r.ID))
	fmt.Fprintf(bw, "minimizer %s\n", orDash(r.Minimizer))
	fmt.Fprintf(bw, "state %s\n", orDash(string(r.State)))
	fmt.Fprintf(bw, "status %s\n", orDash(r.Status))
	fmt.Fprintf(bw, "start %s\n", orDash(string(r.Start)))
	fmt.Fprintf(bw, "gof %s\n", ff(r.GoF))
	fmt.Fprintf(bw, "ndof %d\n", r.NDoF)
	fmt.Fprintf(bw, "pvalue %s\n", ff(r.PValue))
	fmt.Fprintf(bw, "evaluations %d\n", r.Evaluations)
	fmt.Fprintf(bw, "runs %s\n", orDash(r.RunsKey))
	fmt.Fprintln(bw, strings.TrimRight("observables "+strings.Join(r.Observables, " "), " "))
	if v := r.Validation; v != nil {
		if v.OK {
			fmt.Fprintln(bw, "validation ok")
		} else {
			fmt.Fprintf(bw, "validation invalid %s %s %s\n", v.Param, ff(v.Deviation), v.Reason)
		}
	}
	for _, k := range r.Range.Keys() {
		b, _ := r.Range.Bounds(k)
		fmt.Fprintf(bw, "range %s %s %s\n", k, ff(b.Low), ff(b.High))
	}
	for i, k := range r.Params.Keys() {
		fmt.Fprintf(bw, "param %s %s %s %s\n", k, ff(r.Params.At(i)), ff(r.ErrLow[i]), ff(r.ErrHigh[i]))
	}
	for _, k := range params.SortedKeys(r.Fixed) {
		fmt.Fprintf(bw, "fixed %s %s\n", k, ff(r.Fixed[k]))
	}
	if !r.Cov.IsZero() {
		keys := r.Cov.Keys()
		for i := range keys {
			for j := i; j < len(keys); j++ {
				fmt.Fprintf(bw, "cov %s %s %s\n", keys[i], keys[j], ff(r.Cov.At(i, j)))
			}
		}
	}
	return bw.Flush()
}

type resultReader struct {
	file string
	line int
	r    *Result

	format int
	bounds map[string]params.Bounds
	values map[string]float64
	errs   map[string][2]float64
	cov    map[[2]string]float64
}

func (rr *resultReader) errorf(format string, args ...interface{}) error {
	return &ResultFormatError{File: rr.file, Line: rr.line, Msg: fmt.Sprintf(format, args...)}
}

// ReadResult parses the format written by WriteResult.
func ReadResult(r io.Reader) (*Result, error) {
	return readResult(r, "")
}

func readResult(r io.Reader, file string) (*Result, error) {
	rr := &resultReader{
		file:   file,
		r:      &Result{Fixed: make(map[string]float64)},
		bounds: make(map[string]params.Bounds),
		values: make(map[string]float64),
		errs:   make(map[string][2]float64),
		cov:    make(map[[2]string]float64),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		rr.line++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := rr.handle(line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return rr.finish()
}

func (rr *resultReader) handle(line string) error {
	f := strings.Fields(line)
	res := rr.r
	text := func() string {
		if len(f) != 2 {
			return ""
		}
		if f[1] == "-" {
			return ""
		}
		return f[1]
	}
	var err error
	switch f[0] {
	case "format":
		if len(f) != 2 {
			return rr.errorf("format: want VERSION")
		}
		if rr.format, err = strconv.Atoi(f[1]); err != nil || rr.format != resultFormatVersion {
			return rr.errorf("unsupported format %q", f[1])
		}
	case "id":
		res.ID = text()
	case "minimizer":
		res.Minimizer = text()
	case "state":
		res.State = State(text())
	case "status":
		res.Status = text()
	case "start":
		res.Start = StartMethod(text())
	case "runs":
		res.RunsKey = text()
	case "observables":
		res.Observables = append([]string(nil), f[1:]...)
	case "gof", "pvalue":
		v, err := rr.floats(f, 1)
		if err != nil {
			return err
		}
		if f[0] == "gof" {
			res.GoF = v[0]
		} else {
			res.PValue = v[0]
		}
	case "ndof", "evaluations":
		if len(f) != 2 {
			return rr.errorf("%s: want one integer", f[0])
		}
		n, err := strconv.Atoi(f[1])
		if err != nil {
			return rr.errorf("%s: bad integer %q", f[0], f[1])
		}
		if f[0] == "ndof" {
			res.NDoF = n
		} else {
			res.Evaluations = n
		}
	case "validation":
		return rr.validation(f)
	case "range":
		v, err := rr.named(f, 2)
		if err != nil {
			return err
		}
		rr.bounds[f[1]] = params.Bounds{Low: v[0], High: v[1]}
	case "param":
		v, err := rr.named(f, 3)
		if err != nil {
			return err
		}
		if _, dup := rr.values[f[1]]; dup {
			return rr.errorf("duplicate param %s", f[1])
		}
		rr.values[f[1]] = v[0]
		rr.errs[f[1]] = [2]float64{v[1], v[2]}
	case "fixed":
		v, err := rr.named(f, 1)
		if err != nil {
			return err
		}
		res.Fixed[f[1]] = v[0]
	case "cov":
		if len(f) != 4 {
			return rr.errorf("cov: want NAME NAME VALUE")
		}
		v, err := rr.floats(f[2:], 1)
		if err != nil {
			return err
		}
		rr.cov[[2]string{f[1], f[2]}] = v[0]
	default:
		return rr.errorf("unexpected keyword %q", f[0])
	}
	return nil
}

func (rr *resultReader) validation(f []string) error {
	switch {
	case len(f) == 2 && f[1] == "ok":
		rr.r.Validation = &Validation{OK: true}
	case len(f) >= 4 && f[1] == "invalid":
		d, err := strconv.ParseFloat(f[3], 64)
		if err != nil {
			return rr.errorf("validation: bad deviation %q", f[3])
		}
		rr.r.Validation = &Validation{Param: f[2], Deviation: d, Reason: strings.Join(f[4:], " ")}
	default:
		return rr.errorf("validation: want ok or invalid PARAM DEVIATION REASON")
	}
	return nil
}

// named parses "KEYWORD NAME v1 .. vn".
func (rr *resultReader) named(f []string, n int) ([]float64, error) {
	if len(f) != n+2 {
		return nil, rr.errorf("%s: want NAME and %d value(s)", f[0], n)
	}
	return rr.floats(f[1:], n)
}

// floats parses the n values following f[0].
func (rr *resultReader) floats(f []string, n int) ([]float64, error) {
	if len(f) != n+1 {
		return nil, rr.errorf("%s: want %d value(s)", f[0], n)
	}
	out := make([]float64, n)
	for i, s := range f[1:] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, rr.errorf("%s: bad number %q", f[0], s)
		}
		out[i] = v
	}
	return out, nil
}

func (rr *resultReader) finish() (*Result, error) {
	res := rr.r
	if rr.format == 0 {
		return nil, rr.errorf("missing format line")
	}
	if len(rr.values) == 0 {
		return nil, rr.errorf("no param lines")
	}
	p, err := params.PointFromMap(rr.values)
	if err != nil {
		return nil, rr.errorf("params: %v", err)
	}
	res.Params = p
	keys := p.Keys()
	res.ErrLow = make([]float64, len(keys))
	res.ErrHigh = make([]float64, len(keys))
	for i, k := range keys {
		e := rr.errs[k]
		res.ErrLow[i], res.ErrHigh[i] = e[0], e[1]
	}
	if len(rr.bounds) > 0 {
		sc, err := params.NewScalerFromMap(rr.bounds)
		if err != nil {
			return nil, rr.errorf("range: %v", err)
		}
		if res.Scaled, err = sc.Scale(p); err != nil {
			return nil, rr.errorf("range: %v", err)
		}
		res.Range = sc.Range()
	}
	if len(rr.cov) > 0 {
		res.Cov = params.NewMatrix(keys)
		for pair, v := range rr.cov {
			if err := res.Cov.Set(pair[0], pair[1], v); err != nil {
				return nil, rr.errorf("cov: %v", err)
			}
		}
	}
	return res, nil
}

// LoadResult reads a result file.
func LoadResult(fsys fsutil.FileSystem, path string) (*Result, error) {
	data, err := fsutil.ReadFileLimited(fsys, path, 0)
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	return readResult(bytes.NewReader(data), path)
}

// SaveResult writes r to path.
func SaveResult(fsys fsutil.FileSystem, path string, r *Result) error {
	var buf bytes.Buffer
	if err := WriteResult(&buf, r); err != nil {
		return err
	}
	return fsutil.OrOS(fsys).WriteFile(path, buf.Bytes(), 0644)
}

// SaveResultParams writes only the optimum as a parameter file, the form
// generators read back.
func SaveResultParams(fsys fsutil.FileSystem, path string, r *Result) error {
	return params.WritePointFile(fsys, path, r.Params)
}

// Summary formats one line per parameter with its symmetric error.
func Summary(r *Result) string {
	var sb strings.Builder
	keys := r.Params.Keys()
	fmt.Fprintf(&sb, "gof %.6g / ndof %d", r.GoF, r.NDoF)
	if r.NDoF > 0 {
		fmt.Fprintf(&sb, " (p = %.3g)", r.PValue)
	}
	sb.WriteByte('\n')
	for _, k := range keys {
		v, _ := r.Params.Get(k)
		lo, hi, _ := r.ParamError(k)
		note := ""
		if _, ok := r.Fixed[k]; ok {
			note = " (fixed)"
		}
		fmt.Fprintf(&sb, "%-24s %14.6g +- %-12.4g%s\n", k, v, math.Max(lo, hi), note)
	}
	return sb.String()
}
