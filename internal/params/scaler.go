package params

import (
	"fmt"
	"math"
)

// Range carries a (low, high) pair per parameter.
type Range struct {
	keys  []string
	lows  []float64
	highs []float64
}

// Bounds is one (low, high) pair.
type Bounds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// NewRange builds a range from a name → bounds map. Every pair must be finite
// with Low < High.
func NewRange(m map[string]Bounds) (Range, error) {
	if len(m) == 0 {
		return Range{}, ErrEmpty
	}
	keys := SortedKeys(m)
	r := Range{keys: keys, lows: make([]float64, len(keys)), highs: make([]float64, len(keys))}
	for i, k := range keys {
		b := m[k]
		if !finite(b.Low) || !finite(b.High) {
			return Range{}, fmt.Errorf("%w: %s=[%v, %v]", ErrNonFinite, k, b.Low, b.High)
		}
		if b.Low >= b.High {
			return Range{}, fmt.Errorf("%w: %s=[%v, %v]", ErrBadRange, k, b.Low, b.High)
		}
		r.lows[i], r.highs[i] = b.Low, b.High
	}
	return r, nil
}

// RangeFromPoints returns the bounding box of a set of points sharing one key
// tuple. Dimensions with zero extent are rejected.
func RangeFromPoints(points []Point) (Range, error) {
	if len(points) == 0 {
		return Range{}, ErrEmpty
	}
	m := make(map[string]Bounds, points[0].Dim())
	for i, k := range points[0].keys {
		m[k] = Bounds{Low: points[0].values[i], High: points[0].values[i]}
	}
	for _, p := range points[1:] {
		if err := GoodPartner(points[0], p); err != nil {
			return Range{}, err
		}
		for i, k := range p.keys {
			b := m[k]
			b.Low = math.Min(b.Low, p.values[i])
			b.High = math.Max(b.High, p.values[i])
			m[k] = b
		}
	}
	return NewRange(m)
}

// Keys returns the sorted key tuple.
func (r Range) Keys() []string { return r.keys }

// Dim returns the number of parameters.
func (r Range) Dim() int { return len(r.keys) }

// Bounds returns the pair for name.
func (r Range) Bounds(name string) (Bounds, bool) {
	i := keyIndex(r.keys, name)
	if i < 0 {
		return Bounds{}, false
	}
	return Bounds{Low: r.lows[i], High: r.highs[i]}, true
}

// Map returns the range as a name → bounds map.
func (r Range) Map() map[string]Bounds {
	m := make(map[string]Bounds, len(r.keys))
	for i, k := range r.keys {
		m[k] = Bounds{Low: r.lows[i], High: r.highs[i]}
	}
	return m
}

// Contains reports whether an unscaled point lies inside the box (inclusive).
func (r Range) Contains(p Point) bool {
	if GoodPartner(r, p) != nil {
		return false
	}
	for i, v := range p.values {
		if v < r.lows[i] || v > r.highs[i] {
			return false
		}
	}
	return true
}

// Scaler maps physical coordinates to the unit hypercube and back:
// scaled = (unscaled - low) / (high - low).
type Scaler struct {
	rng   Range
	width []float64
}

// NewScaler creates a scaler over r.
func NewScaler(r Range) (*Scaler, error) {
	if r.Dim() == 0 {
		return nil, ErrEmpty
	}
	for i := 1; i < len(r.keys); i++ {
		if r.keys[i] == r.keys[i-1] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, r.keys[i])
		}
	}
	s := &Scaler{rng: r, width: make([]float64, r.Dim())}
	for i := range r.keys {
		if !(r.lows[i] < r.highs[i]) {
			return nil, fmt.Errorf("%w: %s=[%v, %v]", ErrBadRange, r.keys[i], r.lows[i], r.highs[i])
		}
		s.width[i] = r.highs[i] - r.lows[i]
	}
	return s, nil
}

// NewScalerFromMap is shorthand for NewRange followed by NewScaler.
func NewScalerFromMap(m map[string]Bounds) (*Scaler, error) {
	r, err := NewRange(m)
	if err != nil {
		return nil, err
	}
	return NewScaler(r)
}

// Keys returns the sorted key tuple.
func (s *Scaler) Keys() []string { return s.rng.keys }

// Dim returns the number of parameters.
func (s *Scaler) Dim() int { return len(s.rng.keys) }

// Range returns the physical box the scaler maps onto [0,1]^d.
func (s *Scaler) Range() Range { return s.rng }

// Equal reports whether two scalers have identical keys and bounds.
func (s *Scaler) Equal(o *Scaler) bool {
	if s == nil || o == nil {
		return s == o
	}
	if GoodPartner(s, o) != nil {
		return false
	}
	for i := range s.rng.lows {
		if s.rng.lows[i] != o.rng.lows[i] || s.rng.highs[i] != o.rng.highs[i] {
			return false
		}
	}
	return true
}

// Scale maps an unscaled point into unit-cube coordinates.
func (s *Scaler) Scale(p Point) (Point, error) {
	if err := GoodPartner(s, p); err != nil {
		return Point{}, err
	}
	out := make([]float64, len(p.values))
	s.ScaleValues(out, p.values)
	return Point{keys: s.rng.keys, values: out}, nil
}

// Descale maps a scaled point back to physical coordinates.
func (s *Scaler) Descale(p Point) (Point, error) {
	if err := GoodPartner(s, p); err != nil {
		return Point{}, err
	}
	out := make([]float64, len(p.values))
	s.DescaleValues(out, p.values)
	return Point{keys: s.rng.keys, values: out}, nil
}

// ScaleValues writes the scaled form of the unscaled values src into dst.
// Both slices are in key order and must have length Dim.
func (s *Scaler) ScaleValues(dst, src []float64) {
	for i, v := range src {
		dst[i] = (v - s.rng.lows[i]) / s.width[i]
	}
}

// DescaleValues writes the unscaled form of the scaled values src into dst.
func (s *Scaler) DescaleValues(dst, src []float64) {
	for i, v := range src {
		dst[i] = s.descale(i, v)
	}
}

// descale inverts one component of ScaleValues. The affine form may land up
// to two rounding steps away from a value that scales back to exactly v; the
// nearest such neighbour is returned instead so scaled round trips are exact.
func (s *Scaler) descale(i int, v float64) float64 {
	lo, w := s.rng.lows[i], s.width[i]
	x := lo + v*w
	if (x-lo)/w == v {
		return x
	}
	up, down := x, x
	for k := 0; k < 2; k++ {
		up, down = math.Nextafter(up, math.Inf(1)), math.Nextafter(down, math.Inf(-1))
		if (up-lo)/w == v {
			return up
		}
		if (down-lo)/w == v {
			return down
		}
	}
	return x
}

// ScaledPoint wraps scaled values (key order) as a Point sharing the
// scaler's keys.
func (s *Scaler) ScaledPoint(values []float64) (Point, error) {
	if len(values) != s.Dim() {
		return Point{}, fmt.Errorf("%w: want %d, got %d", ErrLength, s.Dim(), len(values))
	}
	return PointWithKeys(s.rng.keys, values)
}

// DescaleError converts an uncertainty in scaled units on parameter i into
// physical units.
func (s *Scaler) DescaleError(i int, e float64) float64 { return e * s.width[i] }

// ScaleError converts a physical uncertainty on parameter i into scaled units.
func (s *Scaler) ScaleError(i int, e float64) float64 { return e / s.width[i] }

// Width returns high - low for parameter i.
func (s *Scaler) Width(i int) float64 { return s.width[i] }

// Low returns the lower physical bound of parameter i.
func (s *Scaler) Low(i int) float64 { return s.rng.lows[i] }

// High returns the upper physical bound of parameter i.
func (s *Scaler) High(i int) float64 { return s.rng.highs[i] }

// Index returns the position of name in the key tuple, or -1.
func (s *Scaler) Index(name string) int { return keyIndex(s.rng.keys, name) }

// Center returns the unscaled center of the box.
func (s *Scaler) Center() Point {
	out := make([]float64, s.Dim())
	for i := range out {
		out[i] = s.rng.lows[i] + 0.5*s.width[i]
	}
	return Point{keys: s.rng.keys, values: out}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
