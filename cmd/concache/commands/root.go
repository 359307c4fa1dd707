package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the concache command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "concache",
		Short: "Concordance cache and calculation coordinator",
		Long: `concache caches corpus query results (concordances) keyed by query prefix
and coordinates their calculation in background workers.

Commands:
  serve     Run the calculation task server
  conc      Get a concordance through the cache
  cache     Inspect and maintain cache maps`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(FlagConfig, "", "config file (default ./concache.yaml or /etc/concache/concache.yaml)")
	rootCmd.PersistentFlags().BoolP(FlagVerbose, "v", false, "verbose output")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewConcCommand())
	rootCmd.AddCommand(NewCacheCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}
