package ipol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/params"
)

const textFormatVersion = 1

// FormatError reports a malformed interpolation file.
type FormatError struct {
	File string
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'e', 16, 64)
}

func joinFloats(v []float64) string {
	s := make([]string, len(v))
	for i, x := range v {
		s[i] = formatFloat(x)
	}
	return strings.Join(s, " ")
}

// WriteText writes set in the line-oriented text form. Floats carry 17
// significant digits so reading them back is exact.
func WriteText(w io.Writer, set *Set) error {
	for _, r := range set.runs {
		if strings.ContainsAny(r, " \t") {
			return fmt.Errorf("run name %q contains whitespace", r)
		}
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# mctune interpolation set")
	fmt.Fprintf(bw, "format %d\n", textFormatVersion)
	fmt.Fprintf(bw, "order %d\n", set.order)
	fmt.Fprintln(bw, strings.TrimRight("runs "+strings.Join(set.runs, " "), " "))
	sc := set.scaler
	for i, k := range sc.Keys() {
		fmt.Fprintf(bw, "param %s %s %s %s\n", k, formatFloat(sc.Low(i)), formatFloat(sc.High(i)), formatFloat(set.center[i]))
	}
	for _, id := range set.IDs() {
		if strings.ContainsAny(id.Path, " \t") {
			return fmt.Errorf("observable path %q contains whitespace", id.Path)
		}
		bi := set.bins[id]
		fmt.Fprintf(bw, "bin %s %d\n", id.Path, id.Index)
		fmt.Fprintf(bw, "  xrange %s %s\n", formatFloat(bi.XLow), formatFloat(bi.XHigh))
		fmt.Fprintf(bw, "  order %d\n", bi.Order)
		fmt.Fprintf(bw, "  center %s\n", joinFloats(bi.Center))
		fmt.Fprintf(bw, "  valid %t\n", bi.Valid)
		fmt.Fprintf(bw, "  coeffs %s\n", joinFloats(bi.Coeffs))
		if bi.CoeffErrors == nil {
			fmt.Fprintln(bw, "  errors none")
		} else {
			fmt.Fprintf(bw, "  errors %s\n", joinFloats(bi.CoeffErrors))
		}
		fmt.Fprintln(bw, "end")
	}
	return bw.Flush()
}

// binRecord collects the fields of one "bin ... end" block.
type binRecord struct {
	id     histo.BinID
	line   int
	xlow   float64
	xhigh  float64
	order  int
	center []float64
	valid  bool
	coeffs []float64
	errs   []float64
	seen   map[string]bool
}

type textReader struct {
	file string
	line int

	format int
	order  int
	runs   []string
	keys   []string
	bounds map[string]params.Bounds
	center []float64

	set *Set
	cur *binRecord
}

func (tr *textReader) errorf(format string, args ...interface{}) error {
	return &FormatError{File: tr.file, Line: tr.line, Msg: fmt.Sprintf(format, args...)}
}

// ReadText parses the text form written by WriteText. The returned set is
// frozen.
func ReadText(r io.Reader) (*Set, error) {
	return readText(r, "")
}

func readText(r io.Reader, file string) (*Set, error) {
	tr := &textReader{file: file, bounds: make(map[string]params.Bounds)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		tr.line++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := tr.handle(strings.Fields(line)); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read interpolation set: %w", err)
	}
	if tr.cur != nil {
		return nil, tr.errorf("unterminated bin record %s", tr.cur.id)
	}
	if err := tr.ensureSet(); err != nil {
		return nil, err
	}
	tr.set.Freeze()
	return tr.set, nil
}

func (tr *textReader) handle(f []string) error {
	if tr.cur != nil {
		return tr.handleBinField(f)
	}
	switch f[0] {
	case "format", "order", "runs", "param":
		if tr.set != nil {
			return tr.errorf("%s after first bin", f[0])
		}
	}
	switch f[0] {
	case "format":
		v, err := tr.ints(f, 1)
		if err != nil {
			return err
		}
		if v[0] != textFormatVersion {
			return tr.errorf("unsupported format version %d", v[0])
		}
		tr.format = v[0]
	case "order":
		v, err := tr.ints(f, 1)
		if err != nil {
			return err
		}
		tr.order = v[0]
	case "runs":
		tr.runs = append([]string(nil), f[1:]...)
	case "param":
		if len(f) != 5 {
			return tr.errorf("param: want NAME LOW HIGH CENTER")
		}
		v, err := tr.floats(f[2:])
		if err != nil {
			return err
		}
		if _, dup := tr.bounds[f[1]]; dup {
			return tr.errorf("duplicate param %s", f[1])
		}
		if len(tr.keys) > 0 && f[1] <= tr.keys[len(tr.keys)-1] {
			return tr.errorf("param %s out of order", f[1])
		}
		tr.keys = append(tr.keys, f[1])
		tr.bounds[f[1]] = params.Bounds{Low: v[0], High: v[1]}
		tr.center = append(tr.center, v[2])
	case "bin":
		if len(f) != 3 {
			return tr.errorf("bin: want PATH INDEX")
		}
		idx, err := strconv.Atoi(f[2])
		if err != nil || idx < 0 {
			return tr.errorf("bad bin index %q", f[2])
		}
		if err := tr.ensureSet(); err != nil {
			return err
		}
		tr.cur = &binRecord{id: histo.BinID{Path: f[1], Index: idx}, line: tr.line, seen: make(map[string]bool)}
	default:
		return tr.errorf("unexpected keyword %q", f[0])
	}
	return nil
}

func (tr *textReader) ensureSet() error {
	if tr.set != nil {
		return nil
	}
	if tr.format == 0 {
		return tr.errorf("missing format line")
	}
	if len(tr.keys) == 0 {
		return tr.errorf("no param lines")
	}
	scaler, err := params.NewScalerFromMap(tr.bounds)
	if err != nil {
		return tr.errorf("params: %v", err)
	}
	set, err := NewSet(scaler, tr.center, tr.order, tr.runs)
	if err != nil {
		return tr.errorf("%v", err)
	}
	tr.set = set
	return nil
}

func (tr *textReader) handleBinField(f []string) error {
	rec := tr.cur
	if f[0] == "end" {
		return tr.finishBin()
	}
	if rec.seen[f[0]] {
		return tr.errorf("%s: duplicate %s", rec.id, f[0])
	}
	rec.seen[f[0]] = true
	var err error
	switch f[0] {
	case "xrange":
		var v []float64
		if len(f) != 3 {
			return tr.errorf("xrange: want XLOW XHIGH")
		}
		if v, err = tr.floats(f[1:]); err == nil {
			rec.xlow, rec.xhigh = v[0], v[1]
		}
	case "order":
		var v []int
		if v, err = tr.ints(f, 1); err == nil {
			rec.order = v[0]
		}
	case "center":
		rec.center, err = tr.floats(f[1:])
	case "valid":
		if len(f) != 2 {
			return tr.errorf("valid: want true|false")
		}
		rec.valid, err = strconv.ParseBool(f[1])
		if err != nil {
			return tr.errorf("valid: %v", err)
		}
	case "coeffs":
		rec.coeffs, err = tr.floats(f[1:])
	case "errors":
		if len(f) == 2 && f[1] == "none" {
			rec.errs = nil
		} else {
			rec.errs, err = tr.floats(f[1:])
		}
	default:
		return tr.errorf("%s: unexpected field %q", rec.id, f[0])
	}
	return err
}

func (tr *textReader) finishBin() error {
	rec := tr.cur
	tr.cur = nil
	for _, k := range []string{"xrange", "order", "center", "valid", "coeffs", "errors"} {
		if !rec.seen[k] {
			return tr.errorf("%s: missing %s", rec.id, k)
		}
	}
	bi, err := NewBinInterpolation(rec.id, rec.xlow, rec.xhigh, rec.order, tr.set.scaler, rec.center, rec.coeffs, rec.errs, rec.valid)
	if err != nil {
		return &FormatError{File: tr.file, Line: rec.line, Msg: err.Error()}
	}
	if err := tr.set.Add(bi); err != nil {
		return &FormatError{File: tr.file, Line: rec.line, Msg: err.Error()}
	}
	return nil
}

func (tr *textReader) floats(f []string) ([]float64, error) {
	out := make([]float64, len(f))
	for i, s := range f {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, tr.errorf("bad number %q", s)
		}
		out[i] = v
	}
	return out, nil
}

func (tr *textReader) ints(f []string, n int) ([]int, error) {
	if len(f) != n+1 {
		return nil, tr.errorf("%s: want %d value(s)", f[0], n)
	}
	out := make([]int, n)
	for i, s := range f[1:] {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, tr.errorf("%s: bad integer %q", f[0], s)
		}
		out[i] = v
	}
	return out, nil
}
