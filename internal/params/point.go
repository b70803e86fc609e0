// Package params implements named, ordered parameter vectors, ranges, the
// affine scaler between physical and unit-cube coordinates, and named
// covariance matrices.
//
// Every object carries its key tuple. Key order is sorted and stable, and
// two objects are only combined after GoodPartner confirms identical keys.
package params

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrKeyMismatch  = errors.New("parameter keys differ")
	ErrLength       = errors.New("wrong number of values")
	ErrNonFinite    = errors.New("non-finite parameter value")
	ErrBadRange     = errors.New("parameter range low must be below high")
	ErrDuplicateKey = errors.New("duplicate parameter name")
	ErrEmpty        = errors.New("no parameters")
	ErrUnknownKey   = errors.New("unknown parameter name")
)

// Keyed is implemented by every parameter-shaped object.
type Keyed interface {
	Keys() []string
}

// GoodPartner fails with ErrKeyMismatch unless a and b carry identical key
// tuples.
func GoodPartner(a, b Keyed) error {
	ka, kb := a.Keys(), b.Keys()
	if len(ka) != len(kb) {
		return fmt.Errorf("%w: %v vs %v", ErrKeyMismatch, ka, kb)
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return fmt.Errorf("%w: %v vs %v", ErrKeyMismatch, ka, kb)
		}
	}
	return nil
}

// Point is an ordered, named vector of real values. Whether the values are
// physical (unscaled) or unit-cube (scaled) is a property of how the point
// was obtained; Scaler.Scale and Scaler.Descale convert between the two.
type Point struct {
	keys   []string
	values []float64
}

// NewPoint builds a point from parallel key and value slices. Keys are sorted
// and values permuted to match.
func NewPoint(keys []string, values []float64) (Point, error) {
	if len(keys) == 0 {
		return Point{}, ErrEmpty
	}
	if len(keys) != len(values) {
		return Point{}, fmt.Errorf("%w: %d keys, %d values", ErrLength, len(keys), len(values))
	}
	m := make(map[string]float64, len(keys))
	for i, k := range keys {
		if _, dup := m[k]; dup {
			return Point{}, fmt.Errorf("%w: %q", ErrDuplicateKey, k)
		}
		m[k] = values[i]
	}
	return PointFromMap(m)
}

// PointFromMap builds a point from a name → value map.
func PointFromMap(m map[string]float64) (Point, error) {
	if len(m) == 0 {
		return Point{}, ErrEmpty
	}
	keys := SortedKeys(m)
	values := make([]float64, len(keys))
	for i, k := range keys {
		v := m[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Point{}, fmt.Errorf("%w: %s=%v", ErrNonFinite, k, v)
		}
		values[i] = v
	}
	return Point{keys: keys, values: values}, nil
}

// PointWithKeys builds a point over an existing key tuple without re-sorting.
// keys must already be sorted; values are copied.
func PointWithKeys(keys []string, values []float64) (Point, error) {
	if len(keys) != len(values) {
		return Point{}, fmt.Errorf("%w: %d keys, %d values", ErrLength, len(keys), len(values))
	}
	if !sort.StringsAreSorted(keys) {
		return Point{}, fmt.Errorf("%w: keys not sorted: %v", ErrKeyMismatch, keys)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Point{}, fmt.Errorf("%w: %s=%v", ErrNonFinite, keys[i], v)
		}
	}
	return Point{keys: keys, values: append([]float64(nil), values...)}, nil
}

// SortedKeys returns the keys of m in sorted order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keys returns the sorted key tuple. The slice is shared and must not be
// modified.
func (p Point) Keys() []string { return p.keys }

// Dim returns the number of parameters.
func (p Point) Dim() int { return len(p.keys) }

// Values returns a copy of the values in key order.
func (p Point) Values() []float64 { return append([]float64(nil), p.values...) }

// At returns the i-th value in key order.
func (p Point) At(i int) float64 { return p.values[i] }

// Get returns the value for name.
func (p Point) Get(name string) (float64, bool) {
	i := sort.SearchStrings(p.keys, name)
	if i < len(p.keys) && p.keys[i] == name {
		return p.values[i], true
	}
	return 0, false
}

// Index returns the position of name in the key tuple, or -1.
func (p Point) Index(name string) int {
	return keyIndex(p.keys, name)
}

// Map returns the point as a name → value map.
func (p Point) Map() map[string]float64 {
	m := make(map[string]float64, len(p.keys))
	for i, k := range p.keys {
		m[k] = p.values[i]
	}
	return m
}

// IsZero reports whether p is the zero Point.
func (p Point) IsZero() bool { return len(p.keys) == 0 }

// Equal reports whether p and q have the same keys and bit-identical values.
func (p Point) Equal(q Point) bool {
	if GoodPartner(p, q) != nil {
		return false
	}
	for i := range p.values {
		if p.values[i] != q.values[i] {
			return false
		}
	}
	return true
}

// String renders the point as "a=1 b=2".
func (p Point) String() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p.values[i], 'g', -1, 64))
	}
	return b.String()
}

func keyIndex(keys []string, name string) int {
	i := sort.SearchStrings(keys, name)
	if i < len(keys) && keys[i] == name {
		return i
	}
	return -1
}
