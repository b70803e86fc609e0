package tunedata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/weights"
)

var runs = []string{"r1", "r2", "r3"}

func mkHisto(t *testing.T, path string, bins ...histo.Bin) *histo.Histo {
	t.Helper()
	h, err := histo.NewHisto(path, bins)
	require.NoError(t, err)
	return h
}

// fixture builds a 1-D dataset with reference data for /A, /B and /C and
// anchor runs producing /A and /B only.
func fixture(t *testing.T) *DataProxy {
	t.Helper()
	data := histo.NewDataset()
	require.NoError(t, data.AddRef(mkHisto(t, "/A", histo.Bin{XLow: 0, XHigh: 1, Y: 1, YErr: 0.1}, histo.Bin{XLow: 1, XHigh: 2, Y: 0, YErr: 0})))
	require.NoError(t, data.AddRef(mkHisto(t, "/B", histo.Bin{XLow: 0, XHigh: 10, Y: 2, YErr: 0.5})))
	require.NoError(t, data.AddRef(mkHisto(t, "/C", histo.Bin{XLow: 0, XHigh: 1, Y: 1, YErr: 0.1})))
	for i, run := range runs {
		x := float64(i) / 2
		p, err := params.PointFromMap(map[string]float64{"x": x})
		require.NoError(t, err)
		require.NoError(t, data.AddRun(run, p,
			mkHisto(t, "/A", histo.Bin{XLow: 0, XHigh: 1, Y: 1 + x, YErr: 0.1}, histo.Bin{XLow: 1, XHigh: 2, Y: x * x, YErr: 0.2}),
			mkHisto(t, "/B", histo.Bin{XLow: 0, XHigh: 10, Y: 2 * x, YErr: 0.3}),
		))
	}
	scaler, err := params.NewScalerFromMap(map[string]params.Bounds{"x": {Low: 0, High: 1}})
	require.NoError(t, err)
	dists, err := ipol.BuildDistributions(data, runs, scaler, quiet)
	require.NoError(t, err)

	proxy := NewDataProxy(data)
	b := &ipol.Builder{Options: ipol.BuildOptions{Order: 2, Fast: true}, Logf: quiet}
	set, err := b.Build(dists)
	require.NoError(t, err)
	require.NoError(t, proxy.AddIpolSet(set))
	return proxy
}

func quiet(string, ...interface{}) {}

func mustWeights(t *testing.T, in string) *weights.Manager {
	t.Helper()
	m, err := weights.Parse(strings.NewReader(in))
	require.NoError(t, err)
	return m
}

func ids(bins []*BinProps) []string {
	var out []string
	for _, b := range bins {
		out = append(out, b.ID.String())
	}
	return out
}

func TestBuild_DefaultObservables(t *testing.T) {
	var warnings []string
	b := &Builder{
		Proxy:   fixture(t),
		Weights: mustWeights(t, "/A 1\n/B 2\n/C 1\n/D 1\n"),
		Logf: func(format string, v ...interface{}) {
			if strings.HasPrefix(format, "WARNING") {
				warnings = append(warnings, format)
			}
		},
	}
	td, err := b.Build(nil, []string{"r3", "r1", "r2"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"/A#0", "/A#1", "/B#0"}, ids(td.Bins))
	assert.True(t, td.Bins[1].Veto)
	assert.Equal(t, 2, td.NumActive())
	assert.Equal(t, []string{"/A#0", "/B#0"}, ids(td.Active()))
	assert.Equal(t, []string{"/A", "/B"}, td.Observables())
	assert.Equal(t, 2.0, td.Bins[2].Weight)
	assert.Equal(t, "r1,r2,r3", td.RunsKey())
	assert.Equal(t, []string{"x"}, td.Scaler().Keys())
	assert.Len(t, warnings, 2)
	assert.Nil(t, td.Bins[0].MC)
	assert.Nil(t, td.Bins[0].ErrIpol)
}

func TestBuild_SoleObservableMissing(t *testing.T) {
	b := &Builder{Proxy: fixture(t), Weights: mustWeights(t, "/C 1\n/D 1\n"), Logf: quiet}
	_, err := b.Build([]string{"/D"}, runs, Options{})
	assert.ErrorIs(t, err, ErrMissingRef)
	_, err = b.Build([]string{"/C"}, runs, Options{})
	assert.ErrorIs(t, err, ErrMissingIpol)
	_, err = b.Build([]string{"/C", "/D"}, runs, Options{})
	assert.ErrorIs(t, err, ErrEmptyTuneData)
}

func TestBuild_UnknownRuns(t *testing.T) {
	b := &Builder{Proxy: fixture(t), Weights: mustWeights(t, "/A 1\n"), Logf: quiet}
	_, err := b.Build(nil, []string{"r1", "r2"}, Options{})
	assert.ErrorIs(t, err, ErrNoIpolSet)
}

func TestBuild_ZeroWeightObservableOmitted(t *testing.T) {
	b := &Builder{Proxy: fixture(t), Weights: mustWeights(t, "/A 1\n/B 0\n"), Logf: quiet}
	td, err := b.Build([]string{"/A", "/B"}, runs, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A#0", "/A#1"}, ids(td.Bins))
}

func TestBuild_SelectionOrder(t *testing.T) {
	b := &Builder{Proxy: fixture(t), Weights: mustWeights(t, "/A 1\n/B 1\n"), Logf: quiet}

	td, err := b.Build(nil, runs, Options{Selections: []SelectionFunc{SetWeight("/A", 3), ScaleWeights(2)}})
	require.NoError(t, err)
	assert.Equal(t, 6.0, td.Bins[0].Weight)
	assert.Equal(t, 2.0, td.Bins[2].Weight)

	td, err = b.Build(nil, runs, Options{Selections: []SelectionFunc{ScaleWeights(2), SetWeight("/A", 3)}})
	require.NoError(t, err)
	assert.Equal(t, 3.0, td.Bins[0].Weight)
	assert.Equal(t, 2.0, td.Bins[2].Weight)

	_, err = b.Build(nil, runs, Options{Selections: []SelectionFunc{ScaleWeights(-1)}})
	assert.ErrorIs(t, err, ErrBadWeight)
}

func TestSelections(t *testing.T) {
	b := &Builder{Proxy: fixture(t), Weights: mustWeights(t, "/A 1\n/B 1\n"), Logf: quiet}

	td, err := b.Build(nil, runs, Options{Selections: []SelectionFunc{VetoZeroErrorBins}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A#0", "/B#0"}, ids(td.Active()))

	td, err = b.Build(nil, runs, Options{Selections: []SelectionFunc{VetoRange("/A", 0, 1)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/B#0"}, ids(td.Active()))

	td, err = b.Build(nil, runs, Options{Selections: []SelectionFunc{VetoZeroRefBins}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A#0", "/B#0"}, ids(td.Active()))

	td, err = b.Build(nil, runs, Options{})
	require.NoError(t, err)
	td.Bins[0].Ipol.Valid = false
	require.NoError(t, VetoInvalidIpols(td))
	assert.True(t, td.Bins[0].Veto)
	assert.False(t, td.Bins[2].Veto)
	td.Bins[0].Ipol.Valid = true

	_, err = b.Build(nil, runs, Options{Selections: []SelectionFunc{VetoRange("/A", 0, 2), VetoRange("/B", -100, 100)}})
	assert.ErrorIs(t, err, ErrEmptyTuneData)
}

func TestBuild_ZeroRefErrorVetoed(t *testing.T) {
	data := histo.NewDataset()
	require.NoError(t, data.AddRef(mkHisto(t, "/A",
		histo.Bin{XLow: 0, XHigh: 1, Y: 2, YErr: 1},
		histo.Bin{XLow: 1, XHigh: 2, Y: 0, YErr: 0})))
	for i, run := range runs {
		x := float64(i) / 2
		p, err := params.PointFromMap(map[string]float64{"x": x})
		require.NoError(t, err)
		require.NoError(t, data.AddRun(run, p, mkHisto(t, "/A",
			histo.Bin{XLow: 0, XHigh: 1, Y: 2 + x, YErr: 0.1},
			histo.Bin{XLow: 1, XHigh: 2, Y: x, YErr: 0.1})))
	}
	scaler, err := params.NewScalerFromMap(map[string]params.Bounds{"x": {Low: 0, High: 1}})
	require.NoError(t, err)
	dists, err := ipol.BuildDistributions(data, runs, scaler, quiet)
	require.NoError(t, err)
	eb := &ipol.Builder{Options: ipol.BuildOptions{Order: 2}, Logf: quiet}
	set, err := eb.Build(dists)
	require.NoError(t, err)
	proxy := NewDataProxy(data)
	require.NoError(t, proxy.AddIpolSet(set))
	b := &Builder{Proxy: proxy, Weights: mustWeights(t, "/A 1\n"), Logf: quiet}

	td, err := b.Build(nil, runs, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A#0"}, ids(td.Active()))

	// Keeping needs an MC-error interpolation for the bin.
	td, err = b.Build(nil, runs, Options{KeepZeroRefBins: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A#0"}, ids(td.Active()))

	errSet, err := eb.BuildErrors(dists)
	require.NoError(t, err)
	require.NoError(t, proxy.AddErrIpolSet(errSet))
	td, err = b.Build(nil, runs, Options{KeepZeroRefBins: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A#0", "/A#1"}, ids(td.Active()))
}

func TestBuild_AttachSamplesAndErrors(t *testing.T) {
	proxy := fixture(t)
	scaler := proxy.IpolSets["r1,r2,r3"].Scaler()
	dists, err := ipol.BuildDistributions(proxy.Dataset, runs, scaler, quiet)
	require.NoError(t, err)
	eb := &ipol.Builder{Options: ipol.BuildOptions{Order: 2}, Logf: quiet}
	errSet, err := eb.BuildErrors(dists)
	require.NoError(t, err)
	require.NoError(t, proxy.AddErrIpolSet(errSet))
	assert.Error(t, proxy.AddErrIpolSet(errSet))

	b := &Builder{Proxy: proxy, Weights: mustWeights(t, "/A 1\n"), Logf: quiet}
	td, err := b.Build(nil, runs, Options{AttachMCSamples: true})
	require.NoError(t, err)
	require.Len(t, td.Bins[0].MC, 3)
	assert.Equal(t, 1.5, td.Bins[0].MC["r2"].Y)
	require.NotNil(t, td.Bins[0].ErrIpol)
	assert.InDelta(t, 0.2, td.Bins[1].ErrIpol.ValueScaled([]float64{0.3}), 1e-12)
}
