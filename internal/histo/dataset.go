package histo

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/params"
)

// Dataset bundles the reference histograms, the per-run MC histograms and
// the anchor parameter point of every run.
type Dataset struct {
	Ref    map[string]*Histo
	MC     map[string]map[string]*Histo
	Params map[string]params.Point
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Ref:    make(map[string]*Histo),
		MC:     make(map[string]map[string]*Histo),
		Params: make(map[string]params.Point),
	}
}

// AddRef registers a reference histogram.
func (d *Dataset) AddRef(h *Histo) error {
	if _, dup := d.Ref[h.Path]; dup {
		return fmt.Errorf("duplicate reference histogram %s", h.Path)
	}
	d.Ref[h.Path] = h
	return nil
}

// AddRun registers one anchor run with its parameter point and histograms.
func (d *Dataset) AddRun(run string, p params.Point, histos ...*Histo) error {
	if run == "" {
		return fmt.Errorf("empty run name")
	}
	if _, dup := d.Params[run]; dup {
		return fmt.Errorf("duplicate run %s", run)
	}
	for name, other := range d.Params {
		if err := params.GoodPartner(other, p); err != nil {
			return fmt.Errorf("run %s vs %s: %w", run, name, err)
		}
		break
	}
	byPath := make(map[string]*Histo, len(histos))
	for _, h := range histos {
		byPath[h.Path] = h
	}
	d.Params[run] = p
	d.MC[run] = byPath
	return nil
}

// Runs returns the run names in sorted order.
func (d *Dataset) Runs() []string {
	return params.SortedKeys(d.Params)
}

// RefPaths returns the reference observable paths in sorted order.
func (d *Dataset) RefPaths() []string {
	return params.SortedKeys(d.Ref)
}

// RefHisto returns the reference histogram for path.
func (d *Dataset) RefHisto(path string) (*Histo, error) {
	h, ok := d.Ref[path]
	if !ok {
		return nil, fmt.Errorf("%w: reference %s", ErrNotFound, path)
	}
	return h, nil
}

// MCHisto returns the histogram of path produced by run.
func (d *Dataset) MCHisto(run, path string) (*Histo, error) {
	h, ok := d.MC[run][path]
	if !ok {
		return nil, fmt.Errorf("%w: run %s %s", ErrNotFound, run, path)
	}
	return h, nil
}

// datasetJSON is the on-disk form of a Dataset.
type datasetJSON struct {
	Ref  map[string][]Bin   `json:"ref"`
	Runs map[string]runJSON `json:"runs"`
}

type runJSON struct {
	Params map[string]float64 `json:"params"`
	Histos map[string][]Bin   `json:"histos"`
}

// ParseDatasetJSON decodes the JSON dataset form:
//
//	{"ref": {"/A/obs": [{"xlow":0,"xhigh":1,"y":2,"yerr":0.1}]},
//	 "runs": {"r1": {"params": {"a": 1}, "histos": {"/A/obs": [...]}}}}
func ParseDatasetJSON(data []byte) (*Dataset, error) {
	var raw datasetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}
	d := NewDataset()
	for _, path := range params.SortedKeys(raw.Ref) {
		h, err := NewHisto(path, raw.Ref[path])
		if err != nil {
			return nil, fmt.Errorf("reference: %w", err)
		}
		d.Ref[path] = h
	}
	runs := params.SortedKeys(raw.Runs)
	for _, run := range runs {
		r := raw.Runs[run]
		p, err := params.PointFromMap(r.Params)
		if err != nil {
			return nil, fmt.Errorf("run %s params: %w", run, err)
		}
		paths := make([]string, 0, len(r.Histos))
		for path := range r.Histos {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		histos := make([]*Histo, 0, len(paths))
		for _, path := range paths {
			h, err := NewHisto(path, r.Histos[path])
			if err != nil {
				return nil, fmt.Errorf("run %s: %w", run, err)
			}
			histos = append(histos, h)
		}
		if err := d.AddRun(run, p, histos...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// LoadDataset reads a JSON dataset through fsys (nil means the OS).
func LoadDataset(fsys fsutil.FileSystem, path string) (*Dataset, error) {
	data, err := fsutil.ReadFileLimited(fsys, path, 0)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ParseDatasetJSON(data)
}
