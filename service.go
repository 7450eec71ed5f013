package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/clinichub/ddxwatch/internal/config"
	"github.com/clinichub/ddxwatch/internal/consume"
	"github.com/clinichub/ddxwatch/internal/creds"
	"github.com/clinichub/ddxwatch/internal/emr"
	"github.com/clinichub/ddxwatch/internal/queue"
	"github.com/clinichub/ddxwatch/internal/store"
	"github.com/clinichub/ddxwatch/internal/workflow"
)

// Queue names. The feed dead-letter queue receives raw change batches
// the routers could not enqueue; the work queues dead-letter their own
// delivery-exhausted messages internally.
const (
	queueUpload      = "upload"
	queueComposition = "composition"
	queueFeedDead    = "feed-dead"
)

// service wires the watch store, queues, credential cache, and workflow
// runner from the resolved config. Subcommands build what they need from
// it.
type service struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store

	uploadQ      *queue.Queue
	compositionQ *queue.Queue
	feedDeadQ    *queue.Queue

	cache  *creds.Cache
	runner *workflow.Runner
}

// newService opens the watch store and assembles the shared components.
func newService(logger *slog.Logger) (*service, error) {
	cfg := resolvedCfg

	if dir := cfg.StateDir; dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	} else if dir := config.DefaultStateDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}

	st, err := store.Open(cfg.StatePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening watch store: %w", err)
	}

	svc := &service{
		cfg:    cfg,
		logger: logger,
		store:  st,
	}

	svc.uploadQ = queue.New(st.DB(), queue.Config{
		Name:            queueUpload,
		Visibility:      cfg.Queues.UploadVisibilityDuration(),
		MaxReceiveCount: cfg.Queues.MaxReceiveCount,
		DedupWindow:     cfg.Queues.DedupWindowDuration(),
		DLQRetention:    cfg.Queues.DLQRetentionDuration(),
	}, logger)

	svc.compositionQ = queue.New(st.DB(), queue.Config{
		Name:            queueComposition,
		Visibility:      cfg.Queues.CompositionVisibilityDuration(),
		MaxReceiveCount: cfg.Queues.MaxReceiveCount,
		DedupWindow:     cfg.Queues.DedupWindowDuration(),
		DLQRetention:    cfg.Queues.DLQRetentionDuration(),
	}, logger)

	svc.feedDeadQ = queue.New(st.DB(), queue.Config{
		Name:         queueFeedDead,
		Visibility:   cfg.Queues.UploadVisibilityDuration(),
		DLQRetention: cfg.Queues.DLQRetentionDuration(),
	}, logger)

	endpoints, err := tenantEndpoints(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	svc.cache = creds.NewCache(st, creds.NewExchanger(endpoints), logger)

	svc.runner = workflow.NewRunner(st, svc.cache, svc.workflowEMR, workflow.Config{
		Workers:        cfg.Workflow.Workers,
		BatchSize:      cfg.Polling.BatchSize,
		Category:       cfg.Polling.Category,
		EncounterTTL:   cfg.Polling.EncounterTTLDuration(),
		RepollInterval: cfg.Polling.RepollIntervalDuration(),
		StepAttempts:   cfg.Workflow.StepAttempts,
		RetryBase:      cfg.Workflow.RetryBaseDuration(),
		LeaseTTL:       cfg.Workflow.LeaseTTLDuration(),
		PollTimeout:    cfg.Workflow.PollTimeoutDuration(),
		RateLimit:      cfg.Polling.RateLimit,
		RateBurst:      cfg.Polling.RateBurst,
	}, logger)

	return svc, nil
}

func (s *service) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing watch store", slog.String("error", err.Error()))
	}
}

// emrClient builds the EMR client for one tenant.
func (s *service) emrClient(tenantID string) *emr.Client {
	tenant := s.cfg.Tenants[tenantID]

	client := emr.NewClient(tenant.BaseURL, defaultHTTPClient(), s.cache.Source(tenantID), s.logger)
	client.SetUserAgent(s.cfg.Network.UserAgent)

	return client
}

func (s *service) workflowEMR(tenantID string) workflow.EMR {
	return s.emrClient(tenantID)
}

func (s *service) composerPoster(tenantID string) consume.Poster {
	return s.emrClient(tenantID)
}

// tenantEndpoints resolves each tenant's token endpoint, reading secret
// files up front so misconfiguration fails at startup rather than on the
// first refresh.
func tenantEndpoints(cfg *config.Config) (map[string]creds.TenantEndpoint, error) {
	endpoints := make(map[string]creds.TenantEndpoint, len(cfg.Tenants))

	for name, tenant := range cfg.Tenants {
		if tenant.Disabled {
			continue
		}

		secret, err := tenant.ResolveSecret()
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", name, err)
		}

		endpoints[name] = creds.TenantEndpoint{
			TokenURL:     tenant.TokenURL,
			ClientID:     tenant.ClientID,
			ClientSecret: secret,
			Scopes:       tenant.Scopes,
		}
	}

	return endpoints, nil
}

// queueByName resolves a CLI queue argument.
func (s *service) queueByName(name string) (*queue.Queue, error) {
	switch name {
	case queueUpload:
		return s.uploadQ, nil
	case queueComposition:
		return s.compositionQ, nil
	case queueFeedDead:
		return s.feedDeadQ, nil
	default:
		return nil, fmt.Errorf("unknown queue %q (valid: %s, %s, %s)",
			name, queueUpload, queueComposition, queueFeedDead)
	}
}
