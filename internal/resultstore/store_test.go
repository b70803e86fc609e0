package resultstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/minimize"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/timeutil"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func makeResult(t *testing.T, id, runsKey string, gof float64, values map[string]float64) *minimize.Result {
	t.Helper()
	bounds := make(map[string]params.Bounds)
	for k := range values {
		bounds[k] = params.Bounds{Low: -10, High: 10}
	}
	sc, err := params.NewScalerFromMap(bounds)
	require.NoError(t, err)
	p, err := params.PointFromMap(values)
	require.NoError(t, err)
	scaled, err := sc.Scale(p)
	require.NoError(t, err)
	errs := make([]float64, p.Dim())
	cov := params.NewMatrix(p.Keys())
	for i, k := range p.Keys() {
		errs[i] = 0.1 * float64(i+1)
		require.NoError(t, cov.Set(k, k, errs[i]*errs[i]))
	}
	return &minimize.Result{
		ID:          id,
		Params:      p,
		Scaled:      scaled,
		ErrLow:      errs,
		ErrHigh:     append([]float64(nil), errs...),
		Cov:         cov,
		Range:       sc.Range(),
		GoF:         gof,
		NDoF:        7,
		PValue:      0.25,
		Observables: []string{"/A/obs1", "/A/obs2"},
		RunsKey:     runsKey,
		Start:       minimize.StartCenter,
		Fixed:       map[string]float64{},
		State:       minimize.StateValidated,
		Status:      "GradientThreshold",
		Minimizer:   minimize.MethodBFGS,
		Evaluations: 42,
		Validation:  &minimize.Validation{OK: true},
	}
}

func resultText(t *testing.T, r *minimize.Result) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, minimize.WriteResult(&buf, r))
	return buf.String()
}

func TestOpen_PragmasAndSchema(t *testing.T) {
	s, path := openStore(t)

	var journalMode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
	var busyTimeout int
	require.NoError(t, s.DB().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
	var foreignKeys int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op migration.
	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestInsertGet(t *testing.T) {
	s, _ := openStore(t)
	r := makeResult(t, "", "r1,r2", 3.5, map[string]float64{"a": 1.25, "b": -2})

	id, err := s.Insert(r)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, r.ID)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, resultText(t, r), resultText(t, got))

	_, err = s.Insert(r)
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM tune_result_params WHERE result_id = ?`, id).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestListAndListByRuns(t *testing.T) {
	s, _ := openStore(t)
	s.clock = timeutil.NewManualClock(time.Unix(1700000000, 0), time.Second)
	inputs := []*minimize.Result{
		makeResult(t, "id-2", "r1,r3", 4, map[string]float64{"a": 2}),
		makeResult(t, "id-1", "r1,r2", 5, map[string]float64{"a": 1}),
		makeResult(t, "id-3", "r1,r2", 2, map[string]float64{"a": 3}),
	}
	for _, r := range inputs {
		_, err := s.Insert(r)
		require.NoError(t, err)
	}

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"id-2", "id-1", "id-3"}, ids(all), "insertion order")

	byRuns, err := s.ListByRuns("r1,r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"id-3", "id-1"}, ids(byRuns))

	none, err := s.ListByRuns("r9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(results []*minimize.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestDelete(t *testing.T) {
	s, _ := openStore(t)
	r := makeResult(t, "gone", "r1", 1, map[string]float64{"a": 1, "b": 2})
	_, err := s.Insert(r)
	require.NoError(t, err)

	require.NoError(t, s.Delete("gone"))
	_, err = s.Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM tune_result_params`).Scan(&n))
	assert.Zero(t, n, "parameter rows should cascade")

	assert.ErrorIs(t, s.Delete("gone"), ErrNotFound)
}

func TestConcatenate(t *testing.T) {
	s, _ := openStore(t)
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, minimize.SaveResult(fs, "job0.result", makeResult(t, "job-0", "r1,r2", 1, map[string]float64{"a": 0.5})))
	require.NoError(t, minimize.SaveResult(fs, "job1.result", makeResult(t, "job-1", "r1,r3", 2, map[string]float64{"a": 0.7})))

	n, err := s.Concatenate(fs, "job0.result", "job1.result")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Concatenate(fs, "job0.result")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Concatenate(fs, "missing.result")
	assert.Error(t, err)

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWriteXLSX(t *testing.T) {
	results := []*minimize.Result{
		makeResult(t, "id-1", "r1,r2", 1.5, map[string]float64{"a": 1, "b": 2}),
		makeResult(t, "id-2", "r1,r3", 2.5, map[string]float64{"a": 3, "c": 4}),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, results))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	require.Len(t, summary, 3)
	assert.Equal(t, "ID", summary[0][0])
	assert.Equal(t, "id-1", summary[1][0])
	assert.Equal(t, "r1,r3", summary[2][1])
	assert.Equal(t, "ok", summary[1][9])

	rows, err := f.GetRows(paramsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ID", "GoF", "a", "a err", "b", "b err", "c", "c err"}, rows[0])
	assert.Equal(t, "id-1", rows[1][0])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "2", rows[1][4])
	assert.Equal(t, "4", rows[2][6])

	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, ExportXLSX(path, results))
	f2, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f2.Close()
	assert.Equal(t, []string{summarySheet, paramsSheet}, f2.GetSheetList())
}

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.expected {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("success after retry", func(t *testing.T) {
		clock := timeutil.NewManualClock(time.Unix(0, 0), 0)
		calls := 0
		err := retryOnBusy(clock, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, clock.Sleeps())
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		testErr := errors.New("some other error")
		err := retryOnBusy(timeutil.NewManualClock(time.Unix(0, 0), 0), func() error {
			calls++
			return testErr
		})
		assert.Equal(t, testErr, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		clock := timeutil.NewManualClock(time.Unix(0, 0), 0)
		calls := 0
		err := retryOnBusy(clock, func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		assert.Error(t, err)
		assert.Equal(t, 5, calls)
		assert.Len(t, clock.Sleeps(), 4)
	})
}
