package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qaorch",
		Short: "QA orchestrator — automated E2E testing for Jira tickets",
		Long:  "qaorch watches Jira tickets entering QA, generates Playwright test suites, opens pull requests, and reports CI results back to the ticket.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newProcessCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qaorch %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
