// Package weights reads observable weight files and looks up the weight of a
// bin by its center.
package weights

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/params"
)

var (
	ErrOverlap   = errors.New("overlapping weight ranges")
	ErrInverted  = errors.New("inverted weight range")
	ErrDuplicate = errors.New("duplicate weight entry")
	ErrSyntax    = errors.New("malformed weight line")
	ErrNonFinite = errors.New("non-finite weight")
)

// Entry weights the half-open x-range [XLow, XHigh).
type Entry struct {
	XLow   float64
	XHigh  float64
	Weight float64
}

// Contains reports whether x falls in the entry's range.
func (e Entry) Contains(x float64) bool {
	return x >= e.XLow && x < e.XHigh
}

// Weight is the ordered list of non-overlapping entries for one path.
type Weight struct {
	Path    string
	Entries []Entry
}

// At returns the weight whose range contains x, or 0.
func (w *Weight) At(x float64) float64 {
	i := sort.Search(len(w.Entries), func(i int) bool { return w.Entries[i].XHigh > x })
	if i < len(w.Entries) && w.Entries[i].Contains(x) {
		return w.Entries[i].Weight
	}
	return 0
}

// Manager maps observable paths to weights.
type Manager struct {
	weights map[string]*Weight
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{weights: make(map[string]*Weight)}
}

// Add registers weight w for [xlow, xhigh) of path. Entries are kept sorted
// by xlow, so lookups do not depend on insertion order.
func (m *Manager) Add(path string, xlow, xhigh, w float64) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrSyntax)
	}
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return fmt.Errorf("%w: %s %v", ErrNonFinite, path, w)
	}
	if math.IsNaN(xlow) || math.IsNaN(xhigh) || xlow >= xhigh {
		return fmt.Errorf("%w: %s [%v, %v)", ErrInverted, path, xlow, xhigh)
	}
	wt, ok := m.weights[path]
	if !ok {
		wt = &Weight{Path: path}
		m.weights[path] = wt
	}
	for _, e := range wt.Entries {
		if e.XLow == xlow && e.XHigh == xhigh {
			return fmt.Errorf("%w: %s [%v, %v)", ErrDuplicate, path, xlow, xhigh)
		}
		if xlow < e.XHigh && e.XLow < xhigh {
			return fmt.Errorf("%w: %s [%v, %v) and [%v, %v)", ErrOverlap, path, xlow, xhigh, e.XLow, e.XHigh)
		}
	}
	i := sort.Search(len(wt.Entries), func(i int) bool { return wt.Entries[i].XLow > xlow })
	wt.Entries = append(wt.Entries, Entry{})
	copy(wt.Entries[i+1:], wt.Entries[i:])
	wt.Entries[i] = Entry{XLow: xlow, XHigh: xhigh, Weight: w}
	return nil
}

// Weight returns the weight of path at x, or 0 when path is unknown or no
// range contains x.
func (m *Manager) Weight(path string, x float64) float64 {
	wt, ok := m.weights[path]
	if !ok {
		return 0
	}
	return wt.At(x)
}

// BinWeight returns the weight of b looked up by its center.
func (m *Manager) BinWeight(path string, b histo.Bin) float64 {
	return m.Weight(path, b.Center())
}

// Get returns the weight entries of path.
func (m *Manager) Get(path string) (*Weight, bool) {
	wt, ok := m.weights[path]
	return wt, ok
}

// Observables returns all weighted paths in sorted order.
func (m *Manager) Observables() []string {
	return params.SortedKeys(m.weights)
}

// PosWeightObservables returns the sorted paths with at least one strictly
// positive weight.
func (m *Manager) PosWeightObservables() []string {
	var out []string
	for _, path := range m.Observables() {
		for _, e := range m.weights[path].Entries {
			if e.Weight > 0 {
				out = append(out, path)
				break
			}
		}
	}
	return out
}

// Scale returns a copy with every weight multiplied by alpha.
func (m *Manager) Scale(alpha float64) *Manager {
	out := NewManager()
	for path, wt := range m.weights {
		entries := make([]Entry, len(wt.Entries))
		for i, e := range wt.Entries {
			e.Weight *= alpha
			entries[i] = e
		}
		out.weights[path] = &Weight{Path: path, Entries: entries}
	}
	return out
}

// Parse reads the weight file format:
//
//	PATH[:XLOW:XHIGH] [WEIGHT] [# comment]
//
// A missing weight is 1; missing bounds are -Inf and +Inf.
func Parse(r io.Reader) (*Manager, error) {
	m := NewManager()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) > 2 {
			return nil, fmt.Errorf("line %d: %w: too many fields", lineNo, ErrSyntax)
		}
		path, xlow, xhigh, err := parseEntry(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		w := 1.0
		if len(fields) == 2 {
			w, err = strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w: bad weight %q", lineNo, ErrSyntax, fields[1])
			}
		}
		if err := m.Add(path, xlow, xhigh, w); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	return m, nil
}

func parseEntry(s string) (path string, xlow, xhigh float64, err error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return s, math.Inf(-1), math.Inf(1), nil
	case 3:
		xlow, err = strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return "", 0, 0, fmt.Errorf("%w: bad xlow %q", ErrSyntax, parts[1])
		}
		xhigh, err = strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return "", 0, 0, fmt.Errorf("%w: bad xhigh %q", ErrSyntax, parts[2])
		}
		return parts[0], xlow, xhigh, nil
	default:
		return "", 0, 0, fmt.Errorf("%w: %q needs both bounds", ErrSyntax, s)
	}
}

// Load reads a weight file through fsys (nil means the OS).
func Load(fsys fsutil.FileSystem, path string) (*Manager, error) {
	data, err := fsutil.ReadFileLimited(fsys, path, 0)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write serializes m in the file format, paths sorted and ranges ascending.
func (m *Manager) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, path := range m.Observables() {
		for _, e := range m.weights[path].Entries {
			key := path
			if !math.IsInf(e.XLow, -1) || !math.IsInf(e.XHigh, 1) {
				key = fmt.Sprintf("%s:%s:%s", path, fmtBound(e.XLow), fmtBound(e.XHigh))
			}
			fmt.Fprintf(bw, "%s %s\n", key, strconv.FormatFloat(e.Weight, 'g', -1, 64))
		}
	}
	return bw.Flush()
}

func fmtBound(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
