package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinichub/ddxwatch/internal/feed"
	"github.com/clinichub/ddxwatch/internal/workflow"
)

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll [tenant...]",
		Short: "Run one poll cycle and exit",
		Long: "Runs a single orchestrator run for the named tenants (all enabled tenants when none " +
			"are given), drains the change feed routers once, and exits. Useful for cron-style " +
			"scheduling and debugging.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPollOnce(cmd.Context(), args)
		},
	}
}

func runPollOnce(ctx context.Context, tenants []string) error {
	logger := buildLogger()

	svc, err := newService(logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if len(tenants) == 0 {
		tenants = svc.cfg.EnabledTenants()
	}

	if len(tenants) == 0 {
		return fmt.Errorf("no enabled tenants configured")
	}

	for _, tenant := range tenants {
		if _, ok := svc.cfg.Tenants[tenant]; !ok {
			return fmt.Errorf("unknown tenant %q", tenant)
		}
	}

	// Routers must subscribe before the runs so this cycle's changes are
	// routed; a one-shot subscription still skips pre-existing backlog.
	uploadRouter := feed.NewRouter(svc.store, svc.uploadQ, svc.feedDeadQ, feed.DocumentUploadRoute(), logger)
	resultRouter := feed.NewRouter(svc.store, svc.compositionQ, svc.feedDeadQ, feed.ResultCompositionRoute(), logger)

	for _, r := range []*feed.Router{uploadRouter, resultRouter} {
		if err := r.Subscribe(ctx); err != nil {
			return err
		}
	}

	var failed int

	for _, tenant := range tenants {
		state, err := svc.runner.Run(ctx, tenant)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %s\n", tenant, state)

		if state == workflow.StateFailed {
			failed++
		}
	}

	for _, r := range []*feed.Router{uploadRouter, resultRouter} {
		if err := r.Drain(ctx); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(tenants))
	}

	return nil
}
