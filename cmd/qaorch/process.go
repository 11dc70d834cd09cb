package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/maloun/qaorch/internal/pipeline"
	"github.com/maloun/qaorch/internal/process"
	"github.com/maloun/qaorch/internal/queue"
	"github.com/spf13/cobra"
)

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "QA process management commands",
	}

	cmd.AddCommand(newProcessListCmd())
	cmd.AddCommand(newProcessShowCmd())
	cmd.AddCommand(newProcessRetryCmd())
	return cmd
}

func newProcessListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		project    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List QA processes",
		Long:  "Lists QA processes newest first, with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcessList(cmd, configPath, process.ListFilters{
				Status:     status,
				ProjectKey: project,
				Limit:      limit,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "qaorch.yaml", "path to qaorch config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&project, "project", "", "filter by Jira project key")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}

func runProcessList(cmd *cobra.Command, configPath string, filters process.ListFilters) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	procs, err := process.List(gormDB, filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(procs) == 0 {
		fmt.Fprintln(out, "No processes found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTICKET\tSTATUS\tSUMMARY\tBRANCH\tPR\tUPDATED")
	for _, p := range procs {
		pr := "-"
		if p.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", p.PRNumber)
		}
		branch := p.RepoBranch
		if branch == "" {
			branch = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.TicketKey, p.Status, truncate(p.TicketSummary, 40), branch, pr,
			p.UpdatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func newProcessShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show QA process details",
		Long:  "Displays full details of a QA process including ticket snapshot, pull request, workflow run, and generated test cases.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProcessID(args[0])
			if err != nil {
				return err
			}
			return runProcessShow(cmd, configPath, id)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "qaorch.yaml", "path to qaorch config file")
	return cmd
}

func runProcessShow(cmd *cobra.Command, configPath string, id uint) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	p, err := process.Get(gormDB, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %d\n", p.ID)
	fmt.Fprintf(out, "Ticket:      %s\n", p.TicketKey)
	fmt.Fprintf(out, "Status:      %s\n", p.Status)
	fmt.Fprintf(out, "Summary:     %s\n", p.TicketSummary)
	if p.TicketURL != "" {
		fmt.Fprintf(out, "URL:         %s\n", p.TicketURL)
	}
	if p.RepoBranch != "" {
		fmt.Fprintf(out, "Branch:      %s -> %s\n", p.RepoBranch, p.TargetBranch)
	}
	if p.PRUrl != "" {
		fmt.Fprintf(out, "PR:          %s (#%d)\n", p.PRUrl, p.PRNumber)
	}
	if p.WorkflowRunID != nil {
		fmt.Fprintf(out, "Run:         %d\n", *p.WorkflowRunID)
	}
	if p.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:       %s\n", p.ErrorMessage)
	}
	fmt.Fprintf(out, "Created:     %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:     %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(p.TestCases) > 0 {
		fmt.Fprintf(out, "\nTest cases (%d):\n", len(p.TestCases))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TITLE\tSTATUS\tFILE")
		for _, tc := range p.TestCases {
			file := tc.GeneratedFilePath
			if file == "" {
				file = "-"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", truncate(tc.Title, 50), tc.Status, file)
		}
		w.Flush()
	}
	return nil
}

func newProcessRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a failed QA process",
		Long:  "Resets a failed process to pending and re-runs the pipeline from intake using the stored ticket snapshot.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProcessID(args[0])
			if err != nil {
				return err
			}
			return runProcessRetry(cmd, configPath, id)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "qaorch.yaml", "path to qaorch config file")
	return cmd
}

func runProcessRetry(cmd *cobra.Command, configPath string, id uint) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	p, err := process.Get(gormDB, id)
	if err != nil {
		return err
	}
	if err := process.ResetForRetry(gormDB, id); err != nil {
		return err
	}

	_, err = queue.Enqueue(gormDB, queue.EnqueueOpts{
		Kind:      pipeline.TaskIntake,
		ProcessID: id,
		Payload: pipeline.IntakePayload{
			TicketKey:          p.TicketKey,
			TicketURL:          p.TicketURL,
			ProjectKey:         p.ProjectKey,
			Summary:            p.TicketSummary,
			Description:        p.TicketDescription,
			AcceptanceCriteria: p.AcceptanceCriteria,
		},
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Process %d (%s) reset; re-running from intake\n", id, p.TicketKey)
	return nil
}

func parseProcessID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid process id %q", arg)
	}
	return uint(id), nil
}

// truncate shortens s for table display.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
