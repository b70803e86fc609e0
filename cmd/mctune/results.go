package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/mctune/internal/minimize"
	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/resultstore"
)

func resultsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Manage the tune result store",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "results.db", "SQLite result store")

	withStore := func(fn func(cmd *cobra.Command, s *resultstore.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := resultstore.Open(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(cmd, s, args)
		}
	}

	var runsKey string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored results",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *resultstore.Store, args []string) error {
			var results []*minimize.Result
			var err error
			if runsKey != "" {
				results, err = s.ListByRuns(runsKey)
			} else {
				results, err = s.List()
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRUNS\tSTATE\tGOF\tNDOF\tPARAMS")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.6g\t%d\t%s\n", r.ID, r.RunsKey, r.State, r.GoF, r.NDoF, r.Params)
			}
			return tw.Flush()
		}),
	}
	list.Flags().StringVar(&runsKey, "runs", "", "only results for this runs key, best first")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print a stored result",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *resultstore.Store, args []string) error {
			r, err := s.Get(args[0])
			if err != nil {
				return err
			}
			return minimize.WriteResult(cmd.OutOrStdout(), r)
		}),
	}

	var xlsxPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export stored results to a spreadsheet",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *resultstore.Store, args []string) error {
			results, err := s.List()
			if err != nil {
				return err
			}
			if err := resultstore.ExportXLSX(xlsxPath, results); err != nil {
				return err
			}
			monitoring.Logf("Exported %d results to %s", len(results), xlsxPath)
			return nil
		}),
	}
	export.Flags().StringVarP(&xlsxPath, "out", "o", "results.xlsx", "spreadsheet output")

	importCmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Store result files produced by separate tune runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *resultstore.Store, args []string) error {
			n, err := s.Concatenate(nil, args...)
			if err != nil {
				return err
			}
			monitoring.Logf("Stored %d of %d results", n, len(args))
			return nil
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Remove a stored result",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, s *resultstore.Store, args []string) error {
			return s.Delete(args[0])
		}),
	}

	cmd.AddCommand(list, show, export, importCmd, deleteCmd)
	return cmd
}
