package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultInterval = time.Minute

// Scheduler fires one orchestrator run per tenant on a fixed interval.
// Runs are launched without waiting for the previous tick's runs, so
// overlapping invocations are possible; the runner's keyed upserts and
// lease arena keep that safe.
type Scheduler struct {
	runner   *Runner
	tenants  []string
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler over the given tenants. A
// non-positive interval takes the one-minute default.
func NewScheduler(runner *Runner, tenants []string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		runner:   runner,
		tenants:  tenants,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the schedule until the context is canceled, then waits for
// in-flight runs to finish. The first tick fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Int("tenants", len(s.tenants)),
		slog.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup

	s.fire(ctx, &wg)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, draining runs")
			wg.Wait()

			return nil
		case <-ticker.C:
			s.fire(ctx, &wg)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, wg *sync.WaitGroup) {
	for _, tenant := range s.tenants {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := s.runner.Run(ctx, tenant); err != nil {
				s.logger.Error("run bookkeeping failed",
					slog.String("tenant", tenant),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}
