package runcomb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/banshee-data/mctune/internal/fsutil"
)

// Write writes one combination per line as space-separated sorted names.
func Write(w io.Writer, combs [][]string) error {
	bw := bufio.NewWriter(w)
	for _, c := range combs {
		s := append([]string(nil), c...)
		sort.Strings(s)
		if _, err := fmt.Fprintln(bw, strings.Join(s, " ")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read parses a combination file. Names on each line are sorted; blank
// lines and '#' comments are skipped; repeated names or lines are errors.
func Read(r io.Reader) ([][]string, error) {
	var combs [][]string
	seen := make(map[string]int)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		s, err := sortedItems(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		key := strings.Join(s, " ")
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("line %d: %w of line %d", lineNo, ErrDuplicated, prev)
		}
		seen[key] = lineNo
		combs = append(combs, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read combinations: %w", err)
	}
	return combs, nil
}

// Load reads a combination file through fsys (nil means the OS).
func Load(fsys fsutil.FileSystem, path string) ([][]string, error) {
	data, err := fsutil.ReadFileLimited(fsys, path, 0)
	if err != nil {
		return nil, fmt.Errorf("load combinations: %w", err)
	}
	combs, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return combs, nil
}

// Save writes combs to path.
func Save(fsys fsutil.FileSystem, path string, combs [][]string) error {
	var buf bytes.Buffer
	if err := Write(&buf, combs); err != nil {
		return err
	}
	return fsutil.OrOS(fsys).WriteFile(path, buf.Bytes(), 0644)
}
