// Command mctune builds bin-wise interpolations of Monte Carlo generator
// output and tunes generator parameters against reference data.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/mctune/internal/monitoring"
	"github.com/banshee-data/mctune/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var quiet bool
	rootCmd := &cobra.Command{
		Use:   "mctune",
		Short: "Interpolate MC generator output and tune its parameters",
		Long: `mctune fits a polynomial surrogate per histogram bin from a set of
anchor runs, then minimizes a weighted chi-squared against reference data.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if quiet {
				monitoring.SetLogger(nil)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress and warning messages")

	rootCmd.AddCommand(
		ipolCmd(),
		tuneCmd(),
		runcombsCmd(),
		resultsCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
