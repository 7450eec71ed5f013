package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinichub/ddxwatch/internal/config"
	"github.com/clinichub/ddxwatch/internal/consume"
	"github.com/clinichub/ddxwatch/internal/feed"
	"github.com/clinichub/ddxwatch/internal/workflow"
)

// maintainEvery is how often queue retention and expired-watch reaping
// run in the daemon.
const maintainEvery = 10 * time.Minute

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the watcher daemon",
		Long: "Runs the poll scheduler, change feed routers, and composition consumer until interrupted. " +
			"Edits to the config file restart the service with the new configuration.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	logger := buildLogger()
	ctx := shutdownContext(context.Background(), logger)

	for {
		changed, err := runService(ctx, logger)
		if err != nil {
			return err
		}

		if !changed {
			return nil
		}

		// Config changed: reload and rebuild everything.
		if err := loadConfig(); err != nil {
			logger.Error("reloaded config is invalid, keeping previous",
				slog.String("error", err.Error()),
			)
		}

		logger = buildLogger()
		logger.Info("configuration reloaded, restarting service")
	}
}

// runService builds the service and runs it until the context is
// canceled or the config file changes. Returns true when a config change
// requested a rebuild.
func runService(ctx context.Context, logger *slog.Logger) (bool, error) {
	svc, err := newService(logger)
	if err != nil {
		return false, err
	}
	defer svc.Close()

	tenants := svc.cfg.EnabledTenants()
	if len(tenants) == 0 {
		return false, errors.New("no enabled tenants configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return watchConfigFile(gctx, logger, changed)
	})

	scheduler := workflow.NewScheduler(svc.runner, tenants, svc.cfg.Polling.IntervalDuration(), logger)
	g.Go(func() error {
		return scheduler.Start(gctx)
	})

	uploadRouter := feed.NewRouter(svc.store, svc.uploadQ, svc.feedDeadQ, feed.DocumentUploadRoute(), logger)
	g.Go(func() error {
		return uploadRouter.Start(gctx)
	})

	resultRouter := feed.NewRouter(svc.store, svc.compositionQ, svc.feedDeadQ, feed.ResultCompositionRoute(), logger)
	g.Go(func() error {
		return resultRouter.Start(gctx)
	})

	composer := consume.NewComposer(svc.composerPoster, svc.cfg.Workflow.HeavyTimeoutDuration(), logger)
	pump := consume.NewPump(svc.compositionQ, composer, logger)
	g.Go(func() error {
		return pump.Start(gctx)
	})

	g.Go(func() error {
		return maintainLoop(gctx, svc)
	})

	// Stop the group when the config changes, remembering why we
	// stopped.
	var rebuild bool

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-changed:
			rebuild = true
			cancel()

			return nil
		}
	})

	logger.Info("daemon started", slog.Int("tenants", len(tenants)))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return false, err
	}

	return rebuild, nil
}

// watchConfigFile signals on the changed channel when the config file is
// written or replaced. Editors often replace the file, so the watch is
// on the directory.
func watchConfigFile(ctx context.Context, logger *slog.Logger, changed chan<- struct{}) error {
	path := flagConfigPath
	if path == "" {
		if env := config.ReadEnvOverrides(); env.ConfigPath != "" {
			path = env.ConfigPath
		} else {
			path = config.DefaultConfigPath()
		}
	}

	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		return nil
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config hot-reload disabled",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Name != path {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				logger.Info("config file changed", slog.String("path", path))

				select {
				case changed <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

// maintainLoop prunes queue retention windows, the change feed, and
// expired watch records.
func maintainLoop(ctx context.Context, svc *service) error {
	ticker := time.NewTicker(maintainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, q := range []interface {
				Maintain(context.Context) error
			}{svc.uploadQ, svc.compositionQ, svc.feedDeadQ} {
				if err := q.Maintain(ctx); err != nil {
					svc.logger.Warn("queue maintenance failed", slog.String("error", err.Error()))
				}
			}

			if _, err := svc.store.ReapExpired(ctx); err != nil {
				svc.logger.Warn("watch reaping failed", slog.String("error", err.Error()))
			}

			if _, err := svc.store.PruneFeed(ctx, svc.cfg.Queues.DLQRetentionDuration()); err != nil {
				svc.logger.Warn("feed pruning failed", slog.String("error", err.Error()))
			}
		}
	}
}
