package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/minimize"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// writeFixture writes a one-parameter dataset whose two bins are quadratic
// in a with their minimum at a = 0.4, plus a weight file for it.
func writeFixture(t *testing.T) (dir, data, weights string) {
	t.Helper()
	dir = t.TempDir()
	bins := func(a float64) []histo.Bin {
		d := a - 0.4
		return []histo.Bin{
			{XLow: 0, XHigh: 1, Y: d*d + 1, YErr: 0.05},
			{XLow: 1, XHigh: 2, Y: 2*d*d + 3, YErr: 0.05},
		}
	}
	type run struct {
		Params map[string]float64     `json:"params"`
		Histos map[string][]histo.Bin `json:"histos"`
	}
	ds := struct {
		Ref  map[string][]histo.Bin `json:"ref"`
		Runs map[string]run         `json:"runs"`
	}{
		Ref: map[string][]histo.Bin{"/A/x": {
			{XLow: 0, XHigh: 1, Y: 1, YErr: 0.1},
			{XLow: 1, XHigh: 2, Y: 3, YErr: 0.1},
		}},
		Runs: map[string]run{},
	}
	for i, a := range []float64{0, 0.25, 0.5, 0.75, 1} {
		ds.Runs[fmt.Sprintf("r%d", i)] = run{
			Params: map[string]float64{"a": a},
			Histos: map[string][]histo.Bin{"/A/x": bins(a)},
		}
	}
	raw, err := json.Marshal(ds)
	require.NoError(t, err)
	data = filepath.Join(dir, "dataset.json")
	require.NoError(t, os.WriteFile(data, raw, 0o644))
	weights = filepath.Join(dir, "weights.txt")
	require.NoError(t, os.WriteFile(weights, []byte("/A/x 1\n"), 0o644))
	return dir, data, weights
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mctune "), "got %q", out)
}

func TestIpolTuneResults(t *testing.T) {
	dir, data, weights := writeFixture(t)
	ipolPath := filepath.Join(dir, "ipol.txt")
	errPath := filepath.Join(dir, "ipol-err.txt")
	resultPath := filepath.Join(dir, "result.txt")
	paramsPath := filepath.Join(dir, "tuned.params")
	dbPath := filepath.Join(dir, "results.db")
	metricsPath := filepath.Join(dir, "tune.prom")

	_, err := execute(t, "ipol", "--data", data, "--out", ipolPath, "--errors-out", errPath)
	require.NoError(t, err)
	set, err := ipol.Load(nil, ipolPath)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, "r0,r1,r2,r3,r4", set.RunsKey())
	errSet, err := ipol.Load(nil, errPath)
	require.NoError(t, err)
	assert.Equal(t, 2, errSet.Len())

	out, err := execute(t, "tune",
		"--data", data,
		"--ipol", ipolPath,
		"--err-ipol", errPath,
		"--weights", weights,
		"--out", resultPath,
		"--params-out", paramsPath,
		"--db", dbPath,
		"--metrics", metricsPath,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "gof")

	r, err := minimize.LoadResult(nil, resultPath)
	require.NoError(t, err)
	a, ok := r.Params.Get("a")
	require.True(t, ok)
	assert.InDelta(t, 0.4, a, 1e-4)
	assert.Equal(t, 1, r.NDoF)
	assert.Equal(t, minimize.StateConverged, r.State)
	assert.Equal(t, []string{"/A/x"}, r.Observables)

	p, err := params.ReadPointFile(nil, paramsPath)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, p.At(0), 1e-4)

	prom, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "mctune_gof_evaluations_total")

	out, err = execute(t, "results", "list", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, r.ID)

	out, err = execute(t, "results", "show", r.ID, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "id "+r.ID)

	xlsx := filepath.Join(dir, "results.xlsx")
	_, err = execute(t, "results", "export", "--db", dbPath, "--out", xlsx)
	require.NoError(t, err)
	assert.FileExists(t, xlsx)

	other := filepath.Join(dir, "other.db")
	_, err = execute(t, "results", "import", "--db", other, resultPath)
	require.NoError(t, err)
	// Importing the same file again skips the stored id.
	_, err = execute(t, "results", "import", "--db", other, resultPath)
	require.NoError(t, err)
	out, err = execute(t, "results", "list", "--db", other)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, r.ID))

	_, err = execute(t, "results", "delete", r.ID, "--db", other)
	require.NoError(t, err)
	_, err = execute(t, "results", "delete", r.ID, "--db", other)
	assert.Error(t, err)
}

func TestIpolPerCombination(t *testing.T) {
	dir, data, _ := writeFixture(t)
	combs := filepath.Join(dir, "combs.txt")
	_, err := execute(t, "runcombs", "--data", data, "--size", "4", "--num", "2", "--seed", "7", "--out", combs)
	require.NoError(t, err)

	out := filepath.Join(dir, "ipol.msgp")
	_, err = execute(t, "ipol", "--data", data, "--runs", combs, "--out", out, "--snapshot")
	require.NoError(t, err)
	for i := range 2 {
		set, err := ipol.Load(nil, indexedPath(out, i, 2))
		require.NoError(t, err)
		assert.Len(t, set.Runs(), 4)
	}
}

func TestRuncombsStdout(t *testing.T) {
	out, err := execute(t, "runcombs", "--runs", "r3,r1,r2", "--size", "2")
	require.NoError(t, err)
	assert.Equal(t, "r1 r2\nr1 r3\nr2 r3\n", out)
}

func TestCommandErrors(t *testing.T) {
	dir, data, weights := writeFixture(t)
	tests := []struct {
		name string
		args []string
	}{
		{"ipol missing data", []string{"ipol"}},
		{"ipol bad order", []string{"ipol", "--data", data, "--order", "5"}},
		{"ipol unknown run", []string{"ipol", "--data", data, "--run", "r0,r1,nope", "--out", filepath.Join(dir, "x.txt")}},
		{"ipol runs and run", []string{"ipol", "--data", data, "--runs", "a", "--run", "r0"}},
		{"tune missing weights", []string{"tune", "--data", data, "--ipol", "x"}},
		{"tune missing ipol file", []string{"tune", "--data", data, "--ipol", filepath.Join(dir, "none.txt"), "--weights", weights}},
		{"runcombs size too large", []string{"runcombs", "--runs", "a,b", "--size", "3"}},
		{"runcombs no pool", []string{"runcombs", "--size", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestIndexedPath(t *testing.T) {
	assert.Equal(t, "out.txt", indexedPath("out.txt", 0, 1))
	assert.Equal(t, "out-002.txt", indexedPath("out.txt", 2, 5))
	assert.Equal(t, "dir/out-000", indexedPath("dir/out", 0, 2))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}
