package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/clinichub/ddxwatch/internal/emr"
	"github.com/clinichub/ddxwatch/internal/store"
)

// Config tunes one runner. Zero values take the documented defaults.
type Config struct {
	// Workers bounds PollDocuments parallelism.
	Workers int
	// BatchSize caps how many due records one run picks up.
	BatchSize int
	// Category restricts document polling, e.g. "imaging".
	Category string
	// EncounterTTL is how long a newly watched encounter stays live.
	EncounterTTL time.Duration
	// RepollInterval is how far out a no-match record is rescheduled.
	RepollInterval time.Duration
	// StepAttempts is the per-step attempt cap for transient errors.
	StepAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// LeaseTTL bounds how long a worker may hold a record claim.
	LeaseTTL time.Duration
	// PollTimeout caps each external call.
	PollTimeout time.Duration
	// RateLimit is the global external-call budget in calls per second,
	// shared across all workers. RateBurst is its burst allowance.
	RateLimit float64
	RateBurst int
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}

	if c.Category == "" {
		c.Category = "imaging"
	}

	if c.EncounterTTL <= 0 {
		c.EncounterTTL = 24 * time.Hour
	}

	if c.RepollInterval <= 0 {
		c.RepollInterval = time.Minute
	}

	if c.StepAttempts <= 0 {
		c.StepAttempts = 3
	}

	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}

	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 90 * time.Second
	}

	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}

	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}

	if c.RateBurst <= 0 {
		c.RateBurst = c.Workers
	}
}

// EMR is the external-system surface one run polls. Implemented by
// *emr.Client.
type EMR interface {
	ListActiveEncounters(ctx context.Context) ([]emr.Encounter, error)
	ListDocuments(ctx context.Context, encounterID, category string) ([]emr.Document, error)
}

// Tokens is the credential surface. Implemented by *creds.Cache.
type Tokens interface {
	Token(ctx context.Context, tenantID string) (string, error)
}

// Runner executes orchestrator runs. One Runner serves all tenants; the
// lease arena and rate limiter are shared so overlapping runs stay
// within the global budgets.
type Runner struct {
	store   *store.Store
	tokens  Tokens
	emrFor  func(tenantID string) EMR
	cfg     Config
	logger  *slog.Logger
	arena   *leaseArena
	limiter *rate.Limiter

	nowFunc func() time.Time // injectable for testing
}

// NewRunner creates a runner. emrFor returns the API client for a
// tenant; it is called once per run.
func NewRunner(s *store.Store, tokens Tokens, emrFor func(tenantID string) EMR, cfg Config, logger *slog.Logger) *Runner {
	cfg.withDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		store:   s,
		tokens:  tokens,
		emrFor:  emrFor,
		cfg:     cfg,
		logger:  logger,
		arena:   newLeaseArena(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		nowFunc: time.Now,
	}
}

// Run executes one orchestrator run for the tenant and returns its
// terminal state. Step failures are absorbed into the run record; only
// bookkeeping errors (the run record itself cannot be written) surface.
func (r *Runner) Run(ctx context.Context, tenantID string) (State, error) {
	runID := uuid.NewString()
	logger := r.logger.With(
		slog.String("run_id", runID),
		slog.String("tenant", tenantID),
	)

	if err := r.store.StartRun(ctx, runID, tenantID, StateRefreshCredentials.String()); err != nil {
		return StateFailed, fmt.Errorf("workflow: recording run start: %w", err)
	}

	logger.Info("run started")

	api := r.emrFor(tenantID)

	steps := []struct {
		state State
		fn    func(ctx context.Context) error
	}{
		{StateRefreshCredentials, func(ctx context.Context) error {
			return r.refreshCredentials(ctx, tenantID)
		}},
		{StatePollEncounters, func(ctx context.Context) error {
			return r.pollEncounters(ctx, logger, api, tenantID)
		}},
		{StatePollDocuments, func(ctx context.Context) error {
			return r.pollDocuments(ctx, logger, api, tenantID)
		}},
	}

	state := StateRefreshCredentials

	for _, step := range steps {
		state = step.state

		if err := r.runStep(ctx, logger, step.state, step.fn); err != nil {
			code := errorCode(err)
			logger.Error("run failed",
				slog.String("state", state.String()),
				slog.String("code", code),
				slog.String("error", err.Error()),
			)

			if finishErr := r.store.FinishRun(ctx, runID, StateFailed.String(), code, err.Error()); finishErr != nil {
				return StateFailed, fmt.Errorf("workflow: recording run failure: %w", finishErr)
			}

			return StateFailed, nil
		}

		state, _ = next(state)
	}

	if err := r.store.FinishRun(ctx, runID, StateSucceeded.String(), "", ""); err != nil {
		return StateFailed, fmt.Errorf("workflow: recording run success: %w", err)
	}

	logger.Info("run succeeded")

	return state, nil
}

// runStep executes one step under the transient-retry policy: transient
// errors get up to StepAttempts attempts with doubling backoff, anything
// else fails the step immediately.
func (r *Runner) runStep(ctx context.Context, logger *slog.Logger, state State, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(r.cfg.StepAttempts-1), retry.NewExponential(r.cfg.RetryBase))

	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if emr.IsTransient(err) {
			logger.Warn("step failed, will retry",
				slog.String("state", state.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		return err
	})
}

// refreshCredentials ensures a valid token exists for the tenant.
func (r *Runner) refreshCredentials(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	if _, err := r.tokens.Token(ctx, tenantID); err != nil {
		return fmt.Errorf("workflow: refreshing credentials: %w", err)
	}

	return nil
}

// pollEncounters discovers active encounters, filters them against the
// practitioner whitelist, and watches any not already tracked.
func (r *Runner) pollEncounters(ctx context.Context, logger *slog.Logger, api EMR, tenantID string) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	encounters, err := api.ListActiveEncounters(callCtx)
	if err != nil {
		return fmt.Errorf("workflow: listing active encounters: %w", err)
	}

	now := r.nowFunc()

	var inserted int

	for _, enc := range encounters {
		allowed, err := r.store.IsAllowed(ctx, enc.PractitionerID)
		if err != nil {
			return fmt.Errorf("workflow: checking whitelist for %s: %w", enc.PractitionerID, err)
		}

		if !allowed {
			logger.Debug("encounter skipped, practitioner not whitelisted",
				slog.String("encounter", enc.ID),
				slog.String("practitioner", enc.PractitionerID),
			)

			continue
		}

		_, err = r.store.Get(ctx, store.KindEncounter, enc.ID, enc.PatientID)

		switch {
		case err == nil:
			// Already watched.
			continue
		case errors.Is(err, store.ErrNotFound):
			// New or expired: (re)insert below.
		default:
			return fmt.Errorf("workflow: loading watch for encounter %s: %w", enc.ID, err)
		}

		rec := &store.WatchRecord{
			Kind:        store.KindEncounter,
			PrimaryID:   enc.ID,
			SecondaryID: enc.PatientID,
			TenantID:    tenantID,
			Status:      store.StatusNew,
			NextPollAt:  now,
			ExpiresAt:   now.Add(r.cfg.EncounterTTL),
			Metadata: map[string]string{
				"patientId":      enc.PatientID,
				"practitionerId": enc.PractitionerID,
			},
		}

		if err := r.store.Put(ctx, rec); err != nil {
			return fmt.Errorf("workflow: watching encounter %s: %w", enc.ID, err)
		}

		inserted++
	}

	logger.Info("encounters polled",
		slog.Int("active", len(encounters)),
		slog.Int("watched", inserted),
	)

	return nil
}

// pollDocuments polls the due batch of watched encounters for matching
// documents with a bounded worker pool. Per-record poll failures are
// logged and rescheduled; only store failures fail the step.
func (r *Runner) pollDocuments(ctx context.Context, logger *slog.Logger, api EMR, tenantID string) error {
	due, err := r.store.QueryDue(ctx, store.KindEncounter, tenantID, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("workflow: querying due watches: %w", err)
	}

	if len(due) == 0 {
		logger.Debug("no watches due")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for _, rec := range due {
		g.Go(func() error {
			if !r.arena.acquire(rec.Key(), r.cfg.LeaseTTL) {
				// Another worker holds this record.
				logger.Debug("lease held elsewhere, skipping",
					slog.String("record", rec.Key()),
				)

				return nil
			}
			defer r.arena.release(rec.Key())

			if err := r.limiter.Wait(gctx); err != nil {
				return fmt.Errorf("workflow: waiting for rate limit: %w", err)
			}

			return r.pollOne(gctx, logger, api, rec)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("documents polled", slog.Int("due", len(due)))

	return nil
}

// pollOne polls a single watched encounter. A failed external call
// reschedules the record rather than failing the batch: the record stays
// due and the next run retries it.
func (r *Runner) pollOne(ctx context.Context, logger *slog.Logger, api EMR, rec *store.WatchRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	docs, err := api.ListDocuments(callCtx, rec.PrimaryID, r.cfg.Category)
	if err != nil {
		logger.Warn("document poll failed, rescheduling",
			slog.String("encounter", rec.PrimaryID),
			slog.String("error", err.Error()),
		)

		return r.reschedule(ctx, rec)
	}

	if len(docs) == 0 {
		return r.reschedule(ctx, rec)
	}

	now := r.nowFunc()

	for _, doc := range docs {
		docRec := &store.WatchRecord{
			Kind:        store.KindDocument,
			PrimaryID:   doc.FileID,
			SecondaryID: rec.TenantID,
			TenantID:    rec.TenantID,
			Status:      store.StatusNew,
			NextPollAt:  now,
			ExpiresAt:   now.Add(r.cfg.EncounterTTL),
			Metadata: map[string]string{
				"patientId":   doc.PatientID,
				"encounterId": doc.EncounterID,
				"category":    doc.Category,
			},
		}

		if err := r.store.Put(ctx, docRec); err != nil {
			return fmt.Errorf("workflow: watching document %s: %w", doc.FileID, err)
		}
	}

	// Advance the encounter and keep polling it for late uploads until
	// its TTL lapses.
	rec.Status = store.StatusFound
	rec.NextPollAt = now.Add(r.cfg.RepollInterval)

	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("workflow: advancing encounter %s: %w", rec.PrimaryID, err)
	}

	logger.Info("documents found",
		slog.String("encounter", rec.PrimaryID),
		slog.Int("documents", len(docs)),
	)

	return nil
}

func (r *Runner) reschedule(ctx context.Context, rec *store.WatchRecord) error {
	rec.NextPollAt = r.nowFunc().Add(r.cfg.RepollInterval)

	if rec.Status == store.StatusNew {
		rec.Status = store.StatusPolling
	}

	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("workflow: rescheduling %s: %w", rec.Key(), err)
	}

	return nil
}

// errorCode maps an error onto the code recorded in the run's failure
// fields.
func errorCode(err error) string {
	switch {
	case errors.Is(err, emr.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, emr.ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, emr.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, emr.ErrThrottled):
		return "THROTTLED"
	case errors.Is(err, emr.ErrServerError):
		return "SERVER_ERROR"
	case errors.Is(err, emr.ErrBadRequest):
		return "BAD_REQUEST"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
