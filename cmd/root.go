// Package cmd defines and implements the CLI commands for the dircrawl executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and attaches the subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "dircrawl",
		Short: "A two-stage crawler for business directory sites.",
		Long: `dircrawl walks the listing pages of a business directory, one page per
seed key, then visits every company detail page it found and writes one
record per company to CSV and any configured remote destinations.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newCrawlCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dircrawl:", err)
		os.Exit(1)
	}
}
