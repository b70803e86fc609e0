package params

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointFromMap_SortsKeys(t *testing.T) {
	p, err := PointFromMap(map[string]float64{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, p.Keys())
	assert.Equal(t, []float64{1, 2, 3}, p.Values())

	v, ok := p.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)
	_, ok = p.Get("z")
	assert.False(t, ok)
	assert.Equal(t, "a=1 b=2 c=3", p.String())
}

func TestNewPoint_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		keys   []string
		values []float64
		want   error
	}{
		{"empty", nil, nil, ErrEmpty},
		{"length", []string{"a", "b"}, []float64{1}, ErrLength},
		{"duplicate", []string{"a", "a"}, []float64{1, 2}, ErrDuplicateKey},
		{"nan", []string{"a"}, []float64{math.NaN()}, ErrNonFinite},
		{"inf", []string{"a"}, []float64{math.Inf(1)}, ErrNonFinite},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPoint(tc.keys, tc.values)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGoodPartner(t *testing.T) {
	a, _ := PointFromMap(map[string]float64{"x": 1, "y": 2})
	b, _ := PointFromMap(map[string]float64{"x": 5, "y": 6})
	c, _ := PointFromMap(map[string]float64{"x": 1, "z": 2})
	d, _ := PointFromMap(map[string]float64{"x": 1})

	assert.NoError(t, GoodPartner(a, b))
	assert.ErrorIs(t, GoodPartner(a, c), ErrKeyMismatch)
	assert.ErrorIs(t, GoodPartner(a, d), ErrKeyMismatch)
}

func TestNewScaler_Rejects(t *testing.T) {
	testCases := []struct {
		name string
		in   map[string]Bounds
		want error
	}{
		{"empty", map[string]Bounds{}, ErrEmpty},
		{"inverted", map[string]Bounds{"a": {Low: 2, High: 1}}, ErrBadRange},
		{"zero_width", map[string]Bounds{"a": {Low: 1, High: 1}}, ErrBadRange},
		{"inf", map[string]Bounds{"a": {Low: 0, High: math.Inf(1)}}, ErrNonFinite},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScalerFromMap(tc.in)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestScaler_ScaleDescale(t *testing.T) {
	s, err := NewScalerFromMap(map[string]Bounds{"x": {Low: 0, High: 2}, "a": {Low: -1, High: 1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x"}, s.Keys())

	p, _ := PointFromMap(map[string]float64{"a": 0, "x": 1.5})
	sp, err := s.Scale(p)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.75}, sp.Values())

	back, err := s.Descale(sp)
	require.NoError(t, err)
	assert.True(t, back.Equal(p), "got %v", back)

	assert.Equal(t, []float64{0, 1}, s.Center().Values())
	assert.InDelta(t, 0.2, s.DescaleError(1, 0.1), 1e-15)
	assert.InDelta(t, 0.1, s.ScaleError(1, 0.2), 1e-15)

	wrong, _ := PointFromMap(map[string]float64{"a": 0})
	_, err = s.Scale(wrong)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func ulp(x float64) float64 {
	x = math.Abs(x)
	return math.Nextafter(x, math.Inf(1)) - x
}

// Scaled round trips are exact. Physical round trips land within 1 ULP of
// the value unless p-low cancels, where the bits below ULP(low) are already
// lost in Scale.
func TestScaler_RoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 2000; trial++ {
		d := 1 + rng.IntN(8)
		bounds := make(map[string]Bounds, d)
		vals := make(map[string]float64, d)
		for i := 0; i < d; i++ {
			name := string(rune('a' + i))
			lo := (rng.Float64() - 0.5) * math.Pow(10, float64(rng.IntN(6)))
			hi := lo + 1e-3 + rng.Float64()*math.Pow(10, float64(rng.IntN(6)))
			bounds[name] = Bounds{Low: lo, High: hi}
			switch rng.IntN(4) {
			case 0:
				vals[name] = lo
			case 1:
				vals[name] = hi
			default:
				vals[name] = lo + rng.Float64()*(hi-lo)
			}
		}
		s, err := NewScalerFromMap(bounds)
		require.NoError(t, err)
		p, err := PointFromMap(vals)
		require.NoError(t, err)

		sp, err := s.Scale(p)
		require.NoError(t, err)
		back, err := s.Descale(sp)
		require.NoError(t, err)
		again, err := s.Scale(back)
		require.NoError(t, err)
		for i := 0; i < d; i++ {
			if again.At(i) != sp.At(i) {
				t.Fatalf("trial %d param %d: scaled %v came back as %v", trial, i, sp.At(i), again.At(i))
			}
			diff := math.Abs(back.At(i) - p.At(i))
			if math.Abs(p.At(i)) >= math.Abs(s.Low(i)) {
				if diff > ulp(p.At(i)) {
					t.Fatalf("trial %d param %d: |%v - %v| = %g > 1 ulp", trial, i, back.At(i), p.At(i), diff)
				}
				continue
			}
			mag := math.Max(math.Abs(p.At(i)), math.Max(math.Abs(s.Low(i)), math.Abs(s.High(i))))
			if diff > 2*ulp(mag) {
				t.Fatalf("trial %d param %d: |%v - %v| = %g > 2 ulp of %g", trial, i, back.At(i), p.At(i), diff, mag)
			}
		}
	}
}

func TestRangeFromPoints(t *testing.T) {
	p1, _ := PointFromMap(map[string]float64{"a": 1, "b": 5})
	p2, _ := PointFromMap(map[string]float64{"a": 3, "b": 2})
	r, err := RangeFromPoints([]Point{p1, p2})
	require.NoError(t, err)

	b, ok := r.Bounds("a")
	require.True(t, ok)
	assert.Equal(t, Bounds{Low: 1, High: 3}, b)
	b, _ = r.Bounds("b")
	assert.Equal(t, Bounds{Low: 2, High: 5}, b)
	assert.True(t, r.Contains(p1))

	out, _ := PointFromMap(map[string]float64{"a": 4, "b": 3})
	assert.False(t, r.Contains(out))
}

func TestMatrix(t *testing.T) {
	m := NewMatrix([]string{"a", "b"})
	require.NoError(t, m.Set("a", "a", 4))
	require.NoError(t, m.Set("b", "b", 9))
	require.NoError(t, m.Set("a", "b", 3))

	v, err := m.Get("b", "a")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
	_, err = m.Get("a", "z")
	assert.ErrorIs(t, err, ErrUnknownKey)

	corr := m.Correlation()
	assert.InDelta(t, 0.5, corr.At(0, 1), 1e-15)
	assert.InDelta(t, 1.0, corr.At(1, 1), 1e-15)
}

func TestParsePoint(t *testing.T) {
	in := `# tuned point
PARJ:1   0.25
alpha_s  0.118   # trailing comment

Alpha_s  0.2
`
	p, err := ParsePoint(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha_s", "PARJ:1", "alpha_s"}, p.Keys())
	assert.Equal(t, []float64{0.2, 0.25, 0.118}, p.Values())

	testCases := []struct {
		name string
		in   string
	}{
		{"missing_value", "a\n"},
		{"extra_field", "a 1 2\n"},
		{"bad_float", "a x\n"},
		{"duplicate", "a 1\na 2\n"},
		{"empty", "# nothing\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePoint(strings.NewReader(tc.in)); err == nil {
				t.Errorf("expected error for %q", tc.in)
			}
		})
	}
}

func TestPointFile_RoundTrip(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	p, _ := PointFromMap(map[string]float64{"x": 0.1 + 0.2, "longname": -1e-17})

	require.NoError(t, WritePointFile(mfs, "/tune/best.params", p))
	back, err := ReadPointFile(mfs, "/tune/best.params")
	require.NoError(t, err)
	assert.True(t, back.Equal(p), "got %v want %v", back, p)

	_, err = ReadPointFile(mfs, "/missing")
	assert.Error(t, err)
}
