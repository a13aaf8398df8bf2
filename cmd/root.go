// Package cmd defines the jobsift command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobsift",
		Short: "Crawl reconciliation and match ranking engine for job listings.",
		Long: `jobsift ingests recurring crawls of an external job-listing source,
reconciles each snapshot against known state to track listing lifecycles,
and ranks active listings against a resume-derived profile vector.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (environment variables with prefix JOBSIFT also apply)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the entry point called by main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
