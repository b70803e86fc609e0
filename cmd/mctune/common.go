package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/mctune/internal/config"
	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/runcomb"
)

// loadConfig returns the defaults when path is empty.
func loadConfig(path string) (*config.TuneConfig, error) {
	if path == "" {
		return config.DefaultTuneConfig(), nil
	}
	cfg, err := config.LoadTuneConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// splitList parses a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// runSelections resolves the anchor run combinations from a run-combination
// file, an explicit list, or every run in the dataset, in that order.
func runSelections(data *histo.Dataset, runsFile, runList string) ([][]string, error) {
	switch {
	case runsFile != "":
		combs, err := runcomb.Load(nil, runsFile)
		if err != nil {
			return nil, err
		}
		if len(combs) == 0 {
			return nil, fmt.Errorf("%s: %w", runsFile, runcomb.ErrNoRuns)
		}
		return combs, nil
	case runList != "":
		return [][]string{splitList(runList)}, nil
	default:
		runs := data.Runs()
		if len(runs) == 0 {
			return nil, runcomb.ErrNoRuns
		}
		return [][]string{runs}, nil
	}
}

// indexedPath returns path unchanged for a single output and inserts a
// zero-padded index before the extension otherwise.
func indexedPath(path string, i, n int) string {
	if n <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%03d%s", strings.TrimSuffix(path, ext), i, ext)
}

// writeMetrics writes m to the flag path, falling back to the configured
// textfile. Nothing is written when both are empty.
func writeMetrics(m *monitoring.Metrics, path string, cfg *config.TuneConfig) error {
	if path == "" {
		path = cfg.GetMetricsTextfile()
	}
	if path == "" {
		return nil
	}
	if err := m.WriteTextfile(path); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
