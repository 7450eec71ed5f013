package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext wires SIGINT/SIGTERM into context cancellation. The
// first signal cancels the returned context so the scheduler, routers,
// and pumps can drain; a second signal exits immediately for the case
// where a drain is stuck on a slow EMR call.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)

		select {
		case sig := <-sigs:
			logger.Info("shutdown requested, draining",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigs:
			logger.Warn("second signal, exiting without drain",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
