package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/mctune/internal/histo"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/runcomb"
)

func runcombsCmd() *cobra.Command {
	var (
		runList  string
		dataPath string
		size     int
		num      int
		seed     uint64
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "runcombs",
		Short: "Write unique anchor run combinations",
		Long: `Writes every size-k subset of the run pool in lexicographic order, or
--num distinct random subsets drawn with --seed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []string
			if runList != "" {
				runs = splitList(runList)
			} else {
				data, err := histo.LoadDataset(nil, dataPath)
				if err != nil {
					return err
				}
				runs = data.Runs()
			}
			mgr, err := runcomb.NewManager(runs)
			if err != nil {
				return err
			}
			seq, err := mgr.Combinations(size, num, seed)
			if err != nil {
				return err
			}
			var combs [][]string
			for c := range seq {
				combs = append(combs, c)
			}

			if outPath == "" {
				return runcomb.Write(cmd.OutOrStdout(), combs)
			}
			if err := runcomb.Save(nil, outPath, combs); err != nil {
				return fmt.Errorf("failed to write combinations: %w", err)
			}
			monitoring.Logf("Wrote %d combinations of %d runs to %s", len(combs), size, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&runList, "runs", "", "comma-separated run pool")
	cmd.Flags().StringVar(&dataPath, "data", "", "take the run pool from a JSON dataset")
	cmd.Flags().IntVarP(&size, "size", "k", 0, "runs per combination")
	cmd.Flags().IntVarP(&num, "num", "n", 0, "number of random combinations (0 = all)")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("size")
	cmd.MarkFlagsMutuallyExclusive("runs", "data")
	cmd.MarkFlagsOneRequired("runs", "data")

	return cmd
}
