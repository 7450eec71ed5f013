package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var limit int
	var tenant string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent orchestrator runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showStatus(cmd, tenant, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&tenant, "tenant", "", "show only this tenant's runs")

	return cmd
}

func showStatus(cmd *cobra.Command, tenant string, limit int) error {
	logger := buildLogger()

	svc, err := newService(logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	runs, err := svc.store.RecentRuns(cmd.Context(), tenant, limit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTENANT\tSTATE\tDURATION\tERROR")

	for _, run := range runs {
		duration := "-"
		if !run.FinishedAt.IsZero() {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}

		errInfo := run.ErrorCode
		if run.ErrorCause != "" {
			errInfo = fmt.Sprintf("%s: %s", run.ErrorCode, truncate(run.ErrorCause, 60))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.TenantID,
			run.State,
			duration,
			errInfo,
		)
	}

	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n-3] + "..."
}
