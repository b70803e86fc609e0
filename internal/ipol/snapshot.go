package ipol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/mctune/internal/fsutil"
	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/params"
)

// snapshotMagic prefixes the binary form.
var snapshotMagic = []byte("MCTIPOL1")

// Format selects the on-disk form of an interpolation set.
type Format int

const (
	FormatText Format = iota
	FormatSnapshot
)

type snapshotParam struct {
	Name   string  `msgpack:"name"`
	Low    float64 `msgpack:"low"`
	High   float64 `msgpack:"high"`
	Center float64 `msgpack:"center"`
}

type snapshotBin struct {
	Path   string    `msgpack:"path"`
	Index  int       `msgpack:"index"`
	XLow   float64   `msgpack:"xlow"`
	XHigh  float64   `msgpack:"xhigh"`
	Order  int       `msgpack:"order"`
	Center []float64 `msgpack:"center"`
	Valid  bool      `msgpack:"valid"`
	Coeffs []float64 `msgpack:"coeffs"`
	Errors []float64 `msgpack:"errors,omitempty"`
}

type snapshot struct {
	Format int             `msgpack:"format"`
	Order  int             `msgpack:"order"`
	Runs   []string        `msgpack:"runs"`
	Params []snapshotParam `msgpack:"params"`
	Bins   []snapshotBin   `msgpack:"bins"`
}

// WriteSnapshot writes set as the magic header followed by a msgpack
// encoded object graph.
func WriteSnapshot(w io.Writer, set *Set) error {
	snap := snapshot{Format: textFormatVersion, Order: set.order, Runs: set.runs}
	sc := set.scaler
	for i, k := range sc.Keys() {
		snap.Params = append(snap.Params, snapshotParam{Name: k, Low: sc.Low(i), High: sc.High(i), Center: set.center[i]})
	}
	for _, id := range set.IDs() {
		bi := set.bins[id]
		snap.Bins = append(snap.Bins, snapshotBin{
			Path:   id.Path,
			Index:  id.Index,
			XLow:   bi.XLow,
			XHigh:  bi.XHigh,
			Order:  bi.Order,
			Center: bi.Center,
			Valid:  bi.Valid,
			Coeffs: bi.Coeffs,
			Errors: bi.CoeffErrors,
		})
	}
	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := w.Write(snapshotMagic); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadSnapshot decodes the binary form. The returned set is frozen.
func ReadSnapshot(r io.Reader) (*Set, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(data, "")
}

func decodeSnapshot(data []byte, file string) (*Set, error) {
	if !bytes.HasPrefix(data, snapshotMagic) {
		return nil, &FormatError{File: file, Msg: "missing snapshot header"}
	}
	var snap snapshot
	if err := msgpack.Unmarshal(data[len(snapshotMagic):], &snap); err != nil {
		return nil, &FormatError{File: file, Msg: fmt.Sprintf("decode snapshot: %v", err)}
	}
	if snap.Format != textFormatVersion {
		return nil, &FormatError{File: file, Msg: fmt.Sprintf("unsupported format version %d", snap.Format)}
	}
	bounds := make(map[string]params.Bounds, len(snap.Params))
	center := make([]float64, len(snap.Params))
	for i, p := range snap.Params {
		if i > 0 && p.Name <= snap.Params[i-1].Name {
			return nil, &FormatError{File: file, Msg: fmt.Sprintf("param %s out of order", p.Name)}
		}
		bounds[p.Name] = params.Bounds{Low: p.Low, High: p.High}
		center[i] = p.Center
	}
	scaler, err := params.NewScalerFromMap(bounds)
	if err != nil {
		return nil, &FormatError{File: file, Msg: err.Error()}
	}
	set, err := NewSet(scaler, center, snap.Order, snap.Runs)
	if err != nil {
		return nil, &FormatError{File: file, Msg: err.Error()}
	}
	for _, b := range snap.Bins {
		id := histo.BinID{Path: b.Path, Index: b.Index}
		bi, err := NewBinInterpolation(id, b.XLow, b.XHigh, b.Order, scaler, b.Center, b.Coeffs, b.Errors, b.Valid)
		if err != nil {
			return nil, &FormatError{File: file, Msg: err.Error()}
		}
		if err := set.Add(bi); err != nil {
			return nil, &FormatError{File: file, Msg: err.Error()}
		}
	}
	set.Freeze()
	return set, nil
}

// Load reads an interpolation set in either form, detected from the
// snapshot header. A nil fsys means the OS file system.
func Load(fsys fsutil.FileSystem, path string) (*Set, error) {
	data, err := fsutil.ReadFileLimited(fsys, path, 0)
	if err != nil {
		return nil, fmt.Errorf("load interpolation set: %w", err)
	}
	if bytes.HasPrefix(data, snapshotMagic) {
		return decodeSnapshot(data, path)
	}
	return readText(bytes.NewReader(data), path)
}

// Save writes set to path in the requested form.
func Save(fsys fsutil.FileSystem, path string, set *Set, format Format) error {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatText:
		err = WriteText(&buf, set)
	case FormatSnapshot:
		err = WriteSnapshot(&buf, set)
	default:
		err = fmt.Errorf("unknown interpolation format %d", format)
	}
	if err != nil {
		return err
	}
	return fsutil.OrOS(fsys).WriteFile(path, buf.Bytes(), 0644)
}
