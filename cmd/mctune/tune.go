package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/mctune/internal/config"
	"github.com/banshee-data/mctune/internal/gof"
	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/ipol"
	"github.com/banshee-data/mctune/internal/minimize"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/resultstore"
	"github.com/banshee-data/mctune/internal/tunedata"
	"github.com/banshee-data/mctune/internal/weights"
)

func tuneCmd() *cobra.Command {
	var (
		dataPath    string
		ipolPaths   []string
		errIpolPath []string
		weightsPath string
		configPath  string
		outPath     string
		dbPath      string
		paramsOut   string
		observables string
		metricsPath string
	)

	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Minimize the weighted chi-squared over interpolation sets",
		Long: `Assembles the weighted bins for each interpolation set, minimizes the
goodness of fit from the configured starting points and writes the best
result per set. Every result is also stored when --db is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			data, err := histo.LoadDataset(nil, dataPath)
			if err != nil {
				return err
			}
			w, err := weights.Load(nil, weightsPath)
			if err != nil {
				return err
			}

			proxy := tunedata.NewDataProxy(data)
			var sets []*ipol.Set
			for _, path := range ipolPaths {
				set, err := ipol.Load(nil, path)
				if err != nil {
					return err
				}
				if err := proxy.AddIpolSet(set); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				sets = append(sets, set)
			}
			for _, path := range errIpolPath {
				set, err := ipol.Load(nil, path)
				if err != nil {
					return err
				}
				if err := proxy.AddErrIpolSet(set); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}

			var store *resultstore.Store
			if dbPath != "" {
				store, err = resultstore.Open(dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
			}

			m := monitoring.NewMetrics()
			t := &tuner{
				builder: &tunedata.Builder{Proxy: proxy, Weights: w},
				cfg:     cfg,
				metrics: m,
			}
			if observables != "" {
				t.observables = splitList(observables)
			}
			for i, set := range sets {
				results, err := t.tune(set)
				if err != nil {
					return fmt.Errorf("runs %s: %w", set.RunsKey(), err)
				}
				if store != nil {
					for _, r := range results {
						if _, err := store.Insert(r); err != nil {
							return err
						}
					}
				}
				best := minimize.Best(results)
				if best == nil {
					return fmt.Errorf("runs %s: no result", set.RunsKey())
				}
				out := indexedPath(outPath, i, len(sets))
				if err := minimize.SaveResult(nil, out, best); err != nil {
					return err
				}
				if paramsOut != "" {
					if err := minimize.SaveResultParams(nil, indexedPath(paramsOut, i, len(sets)), best); err != nil {
						return err
					}
				}
				fmt.Fprint(cmd.OutOrStdout(), minimize.Summary(best))
			}
			return writeMetrics(m, metricsPath, cfg)
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "JSON dataset with reference histograms")
	cmd.Flags().StringArrayVar(&ipolPaths, "ipol", nil, "interpolation set (repeatable)")
	cmd.Flags().StringArrayVar(&errIpolPath, "err-ipol", nil, "MC-error interpolation set (repeatable)")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "observable weight file")
	cmd.Flags().StringVar(&configPath, "config", "", "tune configuration JSON")
	cmd.Flags().StringVarP(&outPath, "out", "o", "result.txt", "result output")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite result store")
	cmd.Flags().StringVar(&paramsOut, "params-out", "", "write the tuned point as a parameter file")
	cmd.Flags().StringVar(&observables, "observables", "", "comma-separated observables (default: all with positive weight)")
	cmd.Flags().StringVar(&metricsPath, "metrics", "", "Prometheus textfile output (overrides config)")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("ipol")
	_ = cmd.MarkFlagRequired("weights")

	return cmd
}

// tuner runs the minimization for one interpolation set at a time.
type tuner struct {
	builder     *tunedata.Builder
	cfg         *config.TuneConfig
	observables []string
	metrics     *monitoring.Metrics
}

func (t *tuner) tune(set *ipol.Set) ([]*minimize.Result, error) {
	td, err := t.builder.Build(t.observables, set.Runs(), t.cfg.TuneDataOptions())
	if err != nil {
		return nil, err
	}
	opts := t.cfg.GoFOptions()
	opts.Metrics = t.metrics
	chi2, err := gof.New(td, opts)
	if err != nil {
		return nil, err
	}
	mopts, err := t.cfg.MinimizeOptions()
	if err != nil {
		return nil, err
	}
	d := &minimize.Driver{
		GoF:         chi2,
		Minimizer:   t.cfg.NewMinimizer(),
		Options:     mopts,
		Observables: td.Observables(),
		RunsKey:     td.RunsKey(),
		Metrics:     t.metrics,
	}
	monitoring.Logf("Tuning %d bins from runs %s", td.NumActive(), td.RunsKey())
	return d.Run()
}
