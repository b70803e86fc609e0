package ipol

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
)

var (
	ErrFrozen       = errors.New("interpolation set is frozen")
	ErrDuplicateBin = errors.New("duplicate bin interpolation")
	ErrIncompatible = errors.New("interpolation does not match set")
	ErrNoBins       = errors.New("no bin distributions")
)

// RunsKey returns the canonical key of a run combination: the sorted,
// de-duplicated run names joined by commas.
func RunsKey(runs []string) string {
	s := append([]string(nil), runs...)
	sort.Strings(s)
	return strings.Join(slices.Compact(s), ",")
}

// Set maps bin ids to interpolations sharing one scaler, center and order.
// Once frozen it rejects further additions.
type Set struct {
	scaler *params.Scaler
	center []float64
	order  int
	runs   []string

	bins   map[histo.BinID]*BinInterpolation
	ids    []histo.BinID
	sorted bool
	frozen bool
}

// NewSet returns an empty set. center is in scaled coordinates.
func NewSet(scaler *params.Scaler, center []float64, order int, runs []string) (*Set, error) {
	if order != 2 && order != 3 {
		return nil, fmt.Errorf("%w: %d", ErrBadOrder, order)
	}
	if len(center) != scaler.Dim() {
		return nil, fmt.Errorf("center: %w: got %d, want %d", params.ErrLength, len(center), scaler.Dim())
	}
	r := append([]string(nil), runs...)
	sort.Strings(r)
	return &Set{
		scaler: scaler,
		center: append([]float64(nil), center...),
		order:  order,
		runs:   slices.Compact(r),
		bins:   make(map[histo.BinID]*BinInterpolation),
		sorted: true,
	}, nil
}

// Add stores bi under its bin id.
func (s *Set) Add(bi *BinInterpolation) error {
	if s.frozen {
		return ErrFrozen
	}
	if _, dup := s.bins[bi.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateBin, bi.ID)
	}
	if bi.Order != s.order {
		return fmt.Errorf("%w: %s has order %d, set has %d", ErrIncompatible, bi.ID, bi.Order, s.order)
	}
	if !s.scaler.Equal(bi.scaler) {
		return fmt.Errorf("%w: %s scaler differs", ErrIncompatible, bi.ID)
	}
	if !slices.Equal(s.center, bi.Center) {
		return fmt.Errorf("%w: %s center differs", ErrIncompatible, bi.ID)
	}
	s.bins[bi.ID] = bi
	s.ids = append(s.ids, bi.ID)
	s.sorted = false
	return nil
}

// Freeze makes the set read-only.
func (s *Set) Freeze() { s.frozen = true }

// Frozen reports whether Freeze has been called.
func (s *Set) Frozen() bool { return s.frozen }

// Get returns the interpolation of id.
func (s *Set) Get(id histo.BinID) (*BinInterpolation, bool) {
	bi, ok := s.bins[id]
	return bi, ok
}

// IDs returns all bin ids ordered by path then index.
func (s *Set) IDs() []histo.BinID {
	if !s.sorted {
		sort.Slice(s.ids, func(i, j int) bool { return s.ids[i].Less(s.ids[j]) })
		s.sorted = true
	}
	return append([]histo.BinID(nil), s.ids...)
}

// Paths returns the distinct observable paths in sorted order.
func (s *Set) Paths() []string {
	var paths []string
	for _, id := range s.IDs() {
		if len(paths) == 0 || paths[len(paths)-1] != id.Path {
			paths = append(paths, id.Path)
		}
	}
	return paths
}

func (s *Set) Len() int               { return len(s.bins) }
func (s *Set) Scaler() *params.Scaler { return s.scaler }
func (s *Set) Order() int             { return s.order }
func (s *Set) Runs() []string         { return append([]string(nil), s.runs...) }
func (s *Set) RunsKey() string        { return strings.Join(s.runs, ",") }
func (s *Set) Center() []float64      { return append([]float64(nil), s.center...) }
func (s *Set) NumInvalid() (n int) {
	for _, bi := range s.bins {
		if !bi.Valid {
			n++
		}
	}
	return n
}

// BuildOptions configures Builder.
type BuildOptions struct {
	Order int
	// Fast selects the flat long-vector builder.
	Fast bool
	// Center is in scaled coordinates; nil means 0.5 for every parameter.
	Center []float64
	// Runs names the anchor runs; nil takes them from the first distribution.
	Runs        []string
	CoeffErrors bool
	RCond       float64
}

// Builder fits one interpolation per bin distribution.
type Builder struct {
	Options BuildOptions
	Logf    monitoring.LogFunc
	Metrics *monitoring.Metrics

	// Skipped lists the bins whose fit failed during the last Build.
	Skipped []histo.BinID
}

// Build fits every distribution and returns the frozen set. Bins that cannot
// be fitted are skipped with a warning; bins with non-finite coefficients are
// kept but flagged invalid.
func (b *Builder) Build(dists []*BinDistribution) (*Set, error) {
	logf := monitoring.Or(b.Logf)
	b.Skipped = nil
	if len(dists) == 0 {
		return nil, ErrNoBins
	}
	ctor, err := InterpolationClass(b.Options.Order, b.Options.Fast)
	if err != nil {
		return nil, err
	}
	scaler := dists[0].Scaler()
	center := b.Options.Center
	if center == nil {
		center = make([]float64, scaler.Dim())
		for i := range center {
			center[i] = 0.5
		}
	}
	runs := b.Options.Runs
	if runs == nil {
		runs = dists[0].Runs()
	}
	set, err := NewSet(scaler, center, b.Options.Order, runs)
	if err != nil {
		return nil, err
	}
	opts := FitOptions{RCond: b.Options.RCond, CoeffErrors: b.Options.CoeffErrors}
	for _, dist := range dists {
		if !scaler.Equal(dist.Scaler()) {
			return nil, fmt.Errorf("%w: %s scaler differs", ErrIncompatible, dist.ID)
		}
		bi, err := ctor(dist, center, opts)
		if err != nil {
			logf("WARNING: skipping bin: %v", err)
			b.Skipped = append(b.Skipped, dist.ID)
			b.Metrics.ObserveFit("failed")
			continue
		}
		if !bi.Valid {
			logf("WARNING: %s has non-finite coefficients, marking invalid", dist.ID)
			b.Metrics.ObserveFit("invalid")
		} else {
			b.Metrics.ObserveFit("ok")
		}
		if err := set.Add(bi); err != nil {
			return nil, err
		}
	}
	set.Freeze()
	logf("Fitted %d bins (order %d, %d skipped, %d invalid)", set.Len(), set.Order(), len(b.Skipped), set.NumInvalid())
	return set, nil
}

// BuildErrors fits the MC y-errors of every distribution instead of the
// values.
func (b *Builder) BuildErrors(dists []*BinDistribution) (*Set, error) {
	errDists := make([]*BinDistribution, len(dists))
	for i, d := range dists {
		errDists[i] = d.ErrorDistribution()
	}
	return b.Build(errDists)
}

// Build is shorthand for a Builder with default logging.
func Build(dists []*BinDistribution, opts BuildOptions) (*Set, error) {
	b := &Builder{Options: opts}
	return b.Build(dists)
}
