// Package tunedata assembles the per-bin inputs of a tune from reference
// data, interpolation sets and observable weights.
package tunedata

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
	"github.com/banshee-data/mctune/internal/weights"
)

var (
	ErrMissingRef    = errors.New("missing reference histogram")
	ErrMissingIpol   = errors.New("missing interpolation")
	ErrNoIpolSet     = errors.New("no interpolation set for runs")
	ErrEmptyTuneData = errors.New("no bins survive selection")
	ErrBadWeight     = errors.New("invalid weight")
)

// DataProxy gives access to reference data, anchor runs and the
// interpolation sets built from them, keyed by runs key.
type DataProxy struct {
	*histo.Dataset
	IpolSets    map[string]*ipol.Set
	ErrIpolSets map[string]*ipol.Set
}

// NewDataProxy wraps data with empty interpolation set maps.
func NewDataProxy(data *histo.Dataset) *DataProxy {
	if data == nil {
		data = histo.NewDataset()
	}
	return &DataProxy{
		Dataset:     data,
		IpolSets:    make(map[string]*ipol.Set),
		ErrIpolSets: make(map[string]*ipol.Set),
	}
}

// AddIpolSet registers set under its runs key.
func (p *DataProxy) AddIpolSet(set *ipol.Set) error {
	key := set.RunsKey()
	if _, dup := p.IpolSets[key]; dup {
		return fmt.Errorf("duplicate interpolation set for runs %q", key)
	}
	p.IpolSets[key] = set
	return nil
}

// AddErrIpolSet registers an MC-error interpolation set under its runs key.
func (p *DataProxy) AddErrIpolSet(set *ipol.Set) error {
	key := set.RunsKey()
	if _, dup := p.ErrIpolSets[key]; dup {
		return fmt.Errorf("duplicate error interpolation set for runs %q", key)
	}
	p.ErrIpolSets[key] = set
	return nil
}

// BinProps bundles everything the goodness of fit needs for one bin.
type BinProps struct {
	ID     histo.BinID
	Ref    histo.Bin
	Ipol   *ipol.BinInterpolation
	Weight float64
	Veto   bool
	// ErrIpol interpolates the MC error of the bin when available.
	ErrIpol *ipol.BinInterpolation
	// MC holds the anchor run bins keyed by run name when requested.
	MC map[string]histo.Bin
}

// Active reports whether the bin takes part in the fit.
func (b *BinProps) Active() bool {
	return !b.Veto && b.Weight > 0 && b.Ipol != nil && b.Ipol.Valid
}

// TuneData is the ordered list of bins for one tune.
type TuneData struct {
	Bins []*BinProps
	Set  *ipol.Set
}

// Scaler returns the scaler of the interpolation set.
func (td *TuneData) Scaler() *params.Scaler { return td.Set.Scaler() }

// RunsKey returns the runs key of the interpolation set.
func (td *TuneData) RunsKey() string { return td.Set.RunsKey() }

// Active returns the bins taking part in the fit, in order.
func (td *TuneData) Active() []*BinProps {
	var out []*BinProps
	for _, b := range td.Bins {
		if b.Active() {
			out = append(out, b)
		}
	}
	return out
}

// NumActive returns the number of bins taking part in the fit.
func (td *TuneData) NumActive() int {
	n := 0
	for _, b := range td.Bins {
		if b.Active() {
			n++
		}
	}
	return n
}

// Observables returns the distinct paths with at least one active bin, in
// bin order.
func (td *TuneData) Observables() []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range td.Bins {
		if b.Active() && !seen[b.ID.Path] {
			seen[b.ID.Path] = true
			out = append(out, b.ID.Path)
		}
	}
	return out
}

// Options controls assembly.
type Options struct {
	// KeepZeroRefBins leaves bins with zero reference error active when an
	// MC-error interpolation supplies their uncertainty. Without one they are
	// vetoed regardless.
	KeepZeroRefBins bool
	// AttachMCSamples copies the anchor run bins into BinProps.MC.
	AttachMCSamples bool
	// Selections run once, in order, after assembly.
	Selections []SelectionFunc
}

// Builder assembles TuneData.
type Builder struct {
	Proxy   *DataProxy
	Weights *weights.Manager
	Logf    monitoring.LogFunc
}

// Build assembles the bins of observables for the interpolation set built
// from runs. A nil observables list means every observable with a positive
// weight. Missing observables are skipped with a warning unless the request
// names only one.
func (b *Builder) Build(observables, runs []string, opts Options) (*TuneData, error) {
	logf := monitoring.Or(b.Logf)
	key := ipol.RunsKey(runs)
	set, ok := b.Proxy.IpolSets[key]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoIpolSet, key)
	}
	errSet := b.Proxy.ErrIpolSets[key]
	if observables == nil {
		observables = b.Weights.PosWeightObservables()
	}
	sole := len(observables) == 1

	td := &TuneData{Set: set}
	for _, path := range observables {
		ref, ok := b.Proxy.Ref[path]
		if !ok {
			if sole {
				return nil, fmt.Errorf("%w: %s", ErrMissingRef, path)
			}
			logf("WARNING: no reference data for %s, skipping", path)
			continue
		}
		if _, ok := set.Get(ref.BinID(0)); !ok && ref.NumBins() > 0 {
			if sole {
				return nil, fmt.Errorf("%w: %s", ErrMissingIpol, path)
			}
			logf("WARNING: no interpolation for %s, skipping", path)
			continue
		}

		var bins []*BinProps
		anyWeight := false
		for i, rb := range ref.Bins {
			id := ref.BinID(i)
			bi, ok := set.Get(id)
			if !ok {
				logf("WARNING: no interpolation for %s, skipping bin", id)
				continue
			}
			bp := &BinProps{
				ID:     id,
				Ref:    rb,
				Ipol:   bi,
				Weight: b.Weights.BinWeight(path, rb),
			}
			if bp.Weight > 0 {
				anyWeight = true
			}
			if errSet != nil {
				bp.ErrIpol, _ = errSet.Get(id)
			}
			if rb.YErr == 0 && !(opts.KeepZeroRefBins && bp.ErrIpol != nil) {
				bp.Veto = true
			}
			if opts.AttachMCSamples {
				bp.MC = b.mcSamples(set.Runs(), path, i)
			}
			bins = append(bins, bp)
		}
		if !anyWeight {
			continue
		}
		td.Bins = append(td.Bins, bins...)
	}

	for _, sel := range opts.Selections {
		if err := sel(td); err != nil {
			return nil, fmt.Errorf("selection: %w", err)
		}
	}
	if td.NumActive() == 0 {
		return nil, ErrEmptyTuneData
	}
	logf("Assembled %d bins (%d active) from %d observables", len(td.Bins), td.NumActive(), len(td.Observables()))
	return td, nil
}

func (b *Builder) mcSamples(runs []string, path string, idx int) map[string]histo.Bin {
	out := make(map[string]histo.Bin, len(runs))
	for _, run := range runs {
		h, ok := b.Proxy.MC[run][path]
		if !ok || idx >= len(h.Bins) {
			continue
		}
		out[run] = h.Bins[idx]
	}
	return out
}
