package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/params"
)

func ipolCmd() *cobra.Command {
	var (
		dataPath    string
		runsFile    string
		runList     string
		order       int
		configPath  string
		outPath     string
		errorsOut   string
		snapshot    bool
		metricsPath string
	)

	cmd := &cobra.Command{
		Use:   "ipol",
		Short: "Fit per-bin polynomial interpolations from anchor runs",
		Long: `Fits one polynomial per histogram bin over the anchor runs of each run
combination and writes the interpolation set. With several combinations the
output paths get a numeric suffix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("order") {
				cfg.Order = &order
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			data, err := histo.LoadDataset(nil, dataPath)
			if err != nil {
				return err
			}
			combs, err := runSelections(data, runsFile, runList)
			if err != nil {
				return err
			}

			m := monitoring.NewMetrics()
			format := ipol.FormatText
			if snapshot {
				format = ipol.FormatSnapshot
			}
			for i, runs := range combs {
				set, errSet, err := buildSets(data, runs, cfg.BuildOptions(runs), m, errorsOut != "")
				if err != nil {
					return fmt.Errorf("runs %s: %w", ipol.RunsKey(runs), err)
				}
				out := indexedPath(outPath, i, len(combs))
				if err := ipol.Save(nil, out, set, format); err != nil {
					return err
				}
				monitoring.Logf("Wrote %d bins to %s", set.Len(), out)
				if errSet != nil {
					errOut := indexedPath(errorsOut, i, len(combs))
					if err := ipol.Save(nil, errOut, errSet, format); err != nil {
						return err
					}
					monitoring.Logf("Wrote %d error bins to %s", errSet.Len(), errOut)
				}
			}
			return writeMetrics(m, metricsPath, cfg)
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "JSON dataset with reference and MC histograms")
	cmd.Flags().StringVar(&runsFile, "runs", "", "run-combination file, one set per line")
	cmd.Flags().StringVar(&runList, "run", "", "comma-separated anchor runs")
	cmd.Flags().IntVar(&order, "order", 2, "polynomial order (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "tune configuration JSON")
	cmd.Flags().StringVarP(&outPath, "out", "o", "ipol.txt", "interpolation set output")
	cmd.Flags().StringVar(&errorsOut, "errors-out", "", "also fit MC errors and write them here")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "write the binary snapshot form")
	cmd.Flags().StringVar(&metricsPath, "metrics", "", "Prometheus textfile output (overrides config)")
	_ = cmd.MarkFlagRequired("data")
	cmd.MarkFlagsMutuallyExclusive("runs", "run")

	return cmd
}

// buildSets fits the value set, and the MC-error set when withErrors is
// set, over the parameter range spanned by runs.
func buildSets(data *histo.Dataset, runs []string, opts ipol.BuildOptions, m *monitoring.Metrics, withErrors bool) (*ipol.Set, *ipol.Set, error) {
	points := make([]params.Point, 0, len(runs))
	for _, run := range runs {
		p, ok := data.Params[run]
		if !ok {
			return nil, nil, fmt.Errorf("%w: run %s", histo.ErrNotFound, run)
		}
		points = append(points, p)
	}
	rng, err := params.RangeFromPoints(points)
	if err != nil {
		return nil, nil, err
	}
	scaler, err := params.NewScaler(rng)
	if err != nil {
		return nil, nil, err
	}
	dists, err := ipol.BuildDistributions(data, runs, scaler, nil)
	if err != nil {
		return nil, nil, err
	}

	b := &ipol.Builder{Options: opts, Metrics: m}
	set, err := b.Build(dists)
	if err != nil {
		return nil, nil, err
	}
	if !withErrors {
		return set, nil, nil
	}
	errSet, err := b.BuildErrors(dists)
	if err != nil {
		return nil, nil, fmt.Errorf("error interpolation: %w", err)
	}
	return set, errSet, nil
}
