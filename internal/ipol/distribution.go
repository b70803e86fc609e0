package ipol

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
)

// Sample is one anchor run's contribution to a bin.
type Sample struct {
	Run   string
	Point params.Point // unscaled
	Bin   histo.Bin
}

// BinDistribution is the cloud of anchor samples for one bin. Samples are
// append-only.
type BinDistribution struct {
	ID      histo.BinID
	XLow    float64
	XHigh   float64
	scaler  *params.Scaler
	samples []Sample
}

// NewBinDistribution returns an empty distribution for id.
func NewBinDistribution(id histo.BinID, xlow, xhigh float64, scaler *params.Scaler) *BinDistribution {
	return &BinDistribution{ID: id, XLow: xlow, XHigh: xhigh, scaler: scaler}
}

// Scaler returns the scaler shared by all samples.
func (d *BinDistribution) Scaler() *params.Scaler { return d.scaler }

// Add appends the bin produced by run at the unscaled point p.
func (d *BinDistribution) Add(run string, p params.Point, b histo.Bin) error {
	if err := params.GoodPartner(d.scaler, p); err != nil {
		return fmt.Errorf("%s run %s: %w", d.ID, run, err)
	}
	if math.IsNaN(b.Y) || math.IsInf(b.Y, 0) || math.IsNaN(b.YErr) || math.IsInf(b.YErr, 0) {
		return fmt.Errorf("%s run %s: %w", d.ID, run, params.ErrNonFinite)
	}
	d.samples = append(d.samples, Sample{Run: run, Point: p, Bin: b})
	return nil
}

// NumberOfRuns returns the number of anchor samples.
func (d *BinDistribution) NumberOfRuns() int { return len(d.samples) }

// Samples returns the samples in insertion order. The slice must not be
// modified.
func (d *BinDistribution) Samples() []Sample { return d.samples }

// Runs returns the run names in insertion order.
func (d *BinDistribution) Runs() []string {
	runs := make([]string, len(d.samples))
	for i, s := range d.samples {
		runs[i] = s.Run
	}
	return runs
}

// MedianError returns the median y-error over all samples, or 0 when there
// are none.
func (d *BinDistribution) MedianError() float64 {
	if len(d.samples) == 0 {
		return 0
	}
	errs := make([]float64, len(d.samples))
	for i, s := range d.samples {
		errs[i] = s.Bin.YErr
	}
	sort.Float64s(errs)
	return stat.Quantile(0.5, stat.Empirical, errs, nil)
}

// ErrorDistribution returns a copy of d whose sample values are the bin
// y-errors. It feeds the interpolation of MC errors.
func (d *BinDistribution) ErrorDistribution() *BinDistribution {
	out := NewBinDistribution(d.ID, d.XLow, d.XHigh, d.scaler)
	out.samples = make([]Sample, len(d.samples))
	for i, s := range d.samples {
		b := s.Bin
		b.Y, b.YErr = b.YErr, 0
		out.samples[i] = Sample{Run: s.Run, Point: s.Point, Bin: b}
	}
	return out
}

// BuildDistributions groups the MC histograms of runs into one distribution
// per bin, ordered by bin id. The bin layout comes from the first run that
// has a histogram for a path. Bins missing from some runs are skipped with a
// warning.
func BuildDistributions(data *histo.Dataset, runs []string, scaler *params.Scaler, logf monitoring.LogFunc) ([]*BinDistribution, error) {
	logf = monitoring.Or(logf)
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs given: %w", params.ErrEmpty)
	}
	runs = append([]string(nil), runs...)
	sort.Strings(runs)
	for _, run := range runs {
		if _, ok := data.Params[run]; !ok {
			return nil, fmt.Errorf("%w: run %s has no parameter point", histo.ErrNotFound, run)
		}
	}

	paths := make(map[string]struct{})
	for _, run := range runs {
		for path := range data.MC[run] {
			paths[path] = struct{}{}
		}
	}

	var dists []*BinDistribution
	for _, path := range params.SortedKeys(paths) {
		var layout *histo.Histo
		for _, run := range runs {
			if h, ok := data.MC[run][path]; ok {
				layout = h
				break
			}
		}
		for i, lb := range layout.Bins {
			id := histo.BinID{Path: path, Index: i}
			d := NewBinDistribution(id, lb.XLow, lb.XHigh, scaler)
			complete := true
			for _, run := range runs {
				h, ok := data.MC[run][path]
				if !ok || i >= len(h.Bins) {
					logf("WARNING: %s missing in run %s, skipping bin", id, run)
					complete = false
					break
				}
				if err := d.Add(run, data.Params[run], h.Bins[i]); err != nil {
					return nil, err
				}
			}
			if complete {
				dists = append(dists, d)
			}
		}
	}
	return dists, nil
}
