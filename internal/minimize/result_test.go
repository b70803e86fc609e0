package minimize

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/gof"
	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/tunedata"
)

// quadraticTune builds three bins that all interpolate
// (x-0.5)^2 + (z-0.5)^2 from six anchors, against references of ref with
// unit errors. With ref -1 the chi-squared is 3 at (0.5, 0.5) and grows
// quadratically away from it. With ref 0 it vanishes there to fourth order.
func quadraticTune(t *testing.T, ref float64) *gof.ChiSquared {
	t.Helper()
	scaler := scalerFor(t, map[string]params.Bounds{"x": {Low: 0, High: 1}, "z": {Low: 0, High: 1}})
	anchors := [][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0.5, 0}, {0, 0.5}}
	truth := func(x, z float64) float64 { return (x-0.5)*(x-0.5) + (z-0.5)*(z-0.5) }
	ctor, err := ipol.InterpolationClass(2, true)
	require.NoError(t, err)

	var runs []string
	for i := range anchors {
		runs = append(runs, fmt.Sprintf("r%d", i))
	}
	set, err := ipol.NewSet(scaler, []float64{0.5, 0.5}, 2, runs)
	require.NoError(t, err)
	td := &tunedata.TuneData{Set: set}
	for b := 0; b < 3; b++ {
		id := histo.BinID{Path: "/Q/obs", Index: b}
		xlow, xhigh := float64(b), float64(b+1)
		dist := ipol.NewBinDistribution(id, xlow, xhigh, scaler)
		for i, a := range anchors {
			p, err := params.PointFromMap(map[string]float64{"x": a[0], "z": a[1]})
			require.NoError(t, err)
			require.NoError(t, dist.Add(runs[i], p, histo.Bin{XLow: xlow, XHigh: xhigh, Y: truth(a[0], a[1]), YErr: 1}))
		}
		bi, err := ctor(dist, []float64{0.5, 0.5}, ipol.FitOptions{})
		require.NoError(t, err)
		require.NoError(t, set.Add(bi))
		td.Bins = append(td.Bins, &tunedata.BinProps{
			ID:     id,
			Ref:    histo.Bin{XLow: xlow, XHigh: xhigh, Y: ref, YErr: 1},
			Ipol:   bi,
			Weight: 1,
		})
	}
	set.Freeze()
	chi2, err := gof.New(td, gof.Options{})
	require.NoError(t, err)
	return chi2
}

func TestDriver_ConvergesOnQuadraticSurrogate(t *testing.T) {
	chi2 := quadraticTune(t, -1)
	start, err := params.PointFromMap(map[string]float64{"x": 0.1, "z": 0.9})
	require.NoError(t, err)
	for _, method := range []string{MethodBFGS, MethodLBFGS} {
		t.Run(method, func(t *testing.T) {
			d := &Driver{
				GoF:       chi2,
				Minimizer: &GonumMinimizer{Method: method},
				Options:   Options{Start: StartManual, StartPoint: start},
				Logf:      t.Logf,
			}
			results, err := d.Run()
			require.NoError(t, err)
			require.Len(t, results, 1)
			r := results[0]
			x, _ := r.Params.Get("x")
			z, _ := r.Params.Get("z")
			assert.InDelta(t, 0.5, x, 1e-4)
			assert.InDelta(t, 0.5, z, 1e-4)
			assert.Equal(t, chi2.NumBins()-2, r.NDoF)
			assert.InDelta(t, 3, r.GoF, 1e-8)
			assert.NoError(t, chi2.Err())
		})
	}
}

func TestDriver_ConvergesWhereChi2Vanishes(t *testing.T) {
	chi2 := quadraticTune(t, 0)
	start, err := params.PointFromMap(map[string]float64{"x": 0.1, "z": 0.9})
	require.NoError(t, err)
	starts := []Options{
		{Start: StartManual, StartPoint: start},
		{Start: StartRandom, NumStarts: 5, Seed: 11},
	}
	for _, method := range []string{MethodBFGS, MethodLBFGS, MethodGradientDescent} {
		for _, opts := range starts {
			t.Run(method+"/"+string(opts.Start), func(t *testing.T) {
				d := &Driver{GoF: chi2, Minimizer: &GonumMinimizer{Method: method}, Options: opts}
				results, err := d.Run()
				require.NoError(t, err)
				require.NotEmpty(t, results)
				for _, r := range results {
					x, _ := r.Params.Get("x")
					z, _ := r.Params.Get("z")
					assert.InDelta(t, 0.5, x, 1e-4)
					assert.InDelta(t, 0.5, z, 1e-4)
					assert.InDelta(t, 0, r.GoF, 1e-12)
				}
				assert.NoError(t, chi2.Err())
			})
		}
	}
}

func validatedResult(t *testing.T) *Result {
	t.Helper()
	d := &Driver{
		GoF:         bowlGoF(t),
		Minimizer:   &GonumMinimizer{},
		Options:     Options{Validate: true, Fixed: map[string]float64{"b": 0.25}},
		Observables: []string{"/A/obs1", "/A/obs2"},
		RunsKey:     "r1,r2,r3",
	}
	results, err := d.Run()
	require.NoError(t, err)
	return results[0]
}

func TestResult_RoundTrip(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(r *Result)
	}{
		{"validated", func(r *Result) {}},
		{"invalid", func(r *Result) {
			r.State = StateInvalid
			r.Validation = &Validation{Param: "a", Reason: "moved with b fixed", Deviation: 0.125}
		}},
		{"no_cov_no_validation", func(r *Result) {
			r.State = StateConverged
			r.Cov = params.Matrix{}
			r.Validation = nil
			r.Observables = nil
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := validatedResult(t)
			tc.mutate(r)
			var buf bytes.Buffer
			require.NoError(t, WriteResult(&buf, r))
			got, err := ReadResult(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)

			assert.Equal(t, r.ID, got.ID)
			assert.True(t, r.Params.Equal(got.Params))
			assert.True(t, r.Scaled.Equal(got.Scaled))
			assert.Equal(t, r.ErrLow, got.ErrLow)
			assert.Equal(t, r.ErrHigh, got.ErrHigh)
			assert.Equal(t, r.Range.Map(), got.Range.Map())
			assert.Equal(t, r.GoF, got.GoF)
			assert.Equal(t, r.NDoF, got.NDoF)
			assert.Equal(t, r.PValue, got.PValue)
			assert.Equal(t, r.Observables, got.Observables)
			assert.Equal(t, r.RunsKey, got.RunsKey)
			assert.Equal(t, r.Start, got.Start)
			assert.Equal(t, r.Fixed, got.Fixed)
			assert.Equal(t, r.State, got.State)
			assert.Equal(t, r.Status, got.Status)
			assert.Equal(t, r.Minimizer, got.Minimizer)
			assert.Equal(t, r.Evaluations, got.Evaluations)
			assert.Equal(t, r.Validation, got.Validation)
			assert.Equal(t, r.Cov.IsZero(), got.Cov.IsZero())
			if !r.Cov.IsZero() {
				for _, a := range r.Cov.Keys() {
					for _, b := range r.Cov.Keys() {
						want, _ := r.Cov.Get(a, b)
						have, err := got.Cov.Get(a, b)
						require.NoError(t, err)
						assert.Equal(t, want, have, "%s,%s", a, b)
					}
				}
			}

			var again bytes.Buffer
			require.NoError(t, WriteResult(&again, got))
			assert.Equal(t, buf.String(), again.String())
		})
	}
}

func TestResult_SaveLoad(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	r := validatedResult(t)
	require.NoError(t, SaveResult(fs, "tune.result", r))
	got, err := LoadResult(fs, "tune.result")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	require.NoError(t, SaveResultParams(fs, "tune.params", r))
	p, err := params.ReadPointFile(fs, "tune.params")
	require.NoError(t, err)
	assert.True(t, r.Params.Equal(p))

	_, err = LoadResult(fs, "missing.result")
	assert.Error(t, err)
}

func TestReadResult_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		line  int
		msg   string
	}{
		{"bad_version", "format 2\n", 1, "unsupported format"},
		{"unknown_keyword", "format 1\nbogus 1\n", 2, "unexpected keyword"},
		{"short_param", "format 1\nparam a 1 2\n", 2, "param: want NAME"},
		{"bad_number", "format 1\ngof abc\n", 2, "bad number"},
		{"bad_validation", "# c\nformat 1\nvalidation maybe\n", 3, "validation"},
		{"duplicate_param", "format 1\nparam a 1 0 0\nparam a 2 0 0\n", 3, "duplicate param"},
		{"missing_format", "param a 1 0 0\n", 1, "missing format"},
		{"no_params", "format 1\ngof 1\n", 2, "no param lines"},
		{"cov_unknown_key", "format 1\nparam a 1 0 0\ncov a b 1\n", 3, "cov"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadResult(strings.NewReader(tc.input))
			var fe *ResultFormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.line, fe.Line)
			assert.Contains(t, fe.Msg, tc.msg)
		})
	}
}

func TestSummary(t *testing.T) {
	r := validatedResult(t)
	s := Summary(r)
	assert.Contains(t, s, "ndof 9")
	assert.Contains(t, s, "(fixed)")
	lines := strings.Split(strings.TrimSpace(s), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "a "))
	assert.True(t, strings.HasPrefix(lines[2], "b "))
}
