// Package cmd defines and implements the CLI commands for the sitecrawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Crawls a website and feeds its pages to a search index.",
		Long: `sitecrawler fetches every reachable page of one site, extracts the
readable text of each page and submits it, in batches, to a search index
backend (in-memory, bleve, Postgres, Pub/Sub, GCS or Azure AI Search).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars use the SITECRAWLER_ prefix")
	cmd.AddCommand(newCrawlCmd(&cfgFile))

	return cmd
}

// Execute is the main entry point. It exits non-zero when the command fails.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
