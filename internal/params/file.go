package params

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/mctune/internal/fsutil"
)

// ParsePoint reads a parameter file: one "NAME VALUE" pair per line, '#'
// starts a comment, blank lines are ignored. Names are case-sensitive and may
// appear once.
func ParsePoint(r io.Reader) (Point, error) {
	m := make(map[string]float64)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return Point{}, fmt.Errorf("line %d: expected NAME VALUE, got %q", lineNo, line)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Point{}, fmt.Errorf("line %d: invalid value for %s: %w", lineNo, fields[0], err)
		}
		if _, dup := m[fields[0]]; dup {
			return Point{}, fmt.Errorf("line %d: %w: %q", lineNo, ErrDuplicateKey, fields[0])
		}
		m[fields[0]] = v
	}
	if err := sc.Err(); err != nil {
		return Point{}, err
	}
	return PointFromMap(m)
}

// ReadPointFile reads a parameter file through fsys (nil means the OS).
func ReadPointFile(fsys fsutil.FileSystem, path string) (Point, error) {
	data, err := fsutil.ReadFileLimited(fsys, path, 0)
	if err != nil {
		return Point{}, fmt.Errorf("read parameter file: %w", err)
	}
	p, err := ParsePoint(bytes.NewReader(data))
	if err != nil {
		return Point{}, fmt.Errorf("parse parameter file %s: %w", path, err)
	}
	return p, nil
}

// WritePoint writes p in the parameter file format. Values use the shortest
// representation that parses back to the same float64.
func WritePoint(w io.Writer, p Point) error {
	width := 0
	for _, k := range p.keys {
		width = max(width, len(k))
	}
	for i, k := range p.keys {
		if _, err := fmt.Fprintf(w, "%-*s %s\n", width, k, strconv.FormatFloat(p.values[i], 'g', -1, 64)); err != nil {
			return err
		}
	}
	return nil
}

// WritePointFile writes p to path through fsys (nil means the OS).
func WritePointFile(fsys fsutil.FileSystem, path string, p Point) error {
	var buf bytes.Buffer
	if err := WritePoint(&buf, p); err != nil {
		return err
	}
	if err := fsutil.OrOS(fsys).WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write parameter file: %w", err)
	}
	return nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
