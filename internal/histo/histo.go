// Package histo defines the already-parsed histogram types the tuning core
// consumes: bins, bin identifiers, histograms and the per-run dataset.
// Reading generator output formats happens elsewhere; Dataset only provides a
// small JSON form for command-line use.
package histo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrBadBinID   = errors.New("malformed bin id")
	ErrBadBin     = errors.New("malformed bin")
	ErrNotFound   = errors.New("histogram not found")
	ErrBinMissing = errors.New("bin not found")
)

// BinID identifies one bin of one observable.
type BinID struct {
	Path  string `json:"path" msgpack:"path"`
	Index int    `json:"index" msgpack:"index"`
}

// String renders the id as "PATH#INDEX".
func (id BinID) String() string {
	return id.Path + "#" + strconv.Itoa(id.Index)
}

// Less orders ids by path then index.
func (id BinID) Less(o BinID) bool {
	if id.Path != o.Path {
		return id.Path < o.Path
	}
	return id.Index < o.Index
}

// ParseBinID parses the "PATH#INDEX" form. The path itself may contain '#'.
func ParseBinID(s string) (BinID, error) {
	i := strings.LastIndexByte(s, '#')
	if i <= 0 || i == len(s)-1 {
		return BinID{}, fmt.Errorf("%w: %q", ErrBadBinID, s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 {
		return BinID{}, fmt.Errorf("%w: %q", ErrBadBinID, s)
	}
	return BinID{Path: s[:i], Index: idx}, nil
}

// Bin is one histogram interval. It is a value type and never mutated after
// loading.
type Bin struct {
	XLow  float64 `json:"xlow"`
	XHigh float64 `json:"xhigh"`
	Y     float64 `json:"y"`
	YErr  float64 `json:"yerr"`
}

// Center returns the midpoint of the x-range.
func (b Bin) Center() float64 { return 0.5 * (b.XLow + b.XHigh) }

// Validate checks the bin has finite values, a non-empty x-range and a
// non-negative error.
func (b Bin) Validate() error {
	for _, v := range []float64{b.XLow, b.XHigh, b.Y, b.YErr} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in %+v", ErrBadBin, b)
		}
	}
	if b.XLow >= b.XHigh {
		return fmt.Errorf("%w: xlow %v >= xhigh %v", ErrBadBin, b.XLow, b.XHigh)
	}
	if b.YErr < 0 {
		return fmt.Errorf("%w: negative error %v", ErrBadBin, b.YErr)
	}
	return nil
}

// Histo is an ordered list of bins for one observable path.
type Histo struct {
	Path string
	Bins []Bin
}

// NewHisto validates bins and returns a histogram.
func NewHisto(path string, bins []Bin) (*Histo, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrBadBinID)
	}
	for i, b := range bins {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("%s bin %d: %w", path, i, err)
		}
	}
	return &Histo{Path: path, Bins: append([]Bin(nil), bins...)}, nil
}

// NumBins returns the number of bins.
func (h *Histo) NumBins() int { return len(h.Bins) }

// BinID returns the id of bin i.
func (h *Histo) BinID(i int) BinID { return BinID{Path: h.Path, Index: i} }

// Bin returns bin i.
func (h *Histo) Bin(i int) (Bin, error) {
	if i < 0 || i >= len(h.Bins) {
		return Bin{}, fmt.Errorf("%w: %s#%d", ErrBinMissing, h.Path, i)
	}
	return h.Bins[i], nil
}
