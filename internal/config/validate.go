package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"
)

// Valid log levels and formats.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks a Config for structural problems: unparseable
// durations, out-of-range counts, and malformed tenant endpoints. All
// problems are reported together rather than one at a time.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateDurations(cfg)...)
	errs = append(errs, validateCounts(cfg)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	for name, tenant := range cfg.Tenants {
		errs = append(errs, validateTenant(name, tenant)...)
	}

	return errors.Join(errs...)
}

func validateDurations(cfg *Config) []error {
	fields := []struct {
		name  string
		value string
	}{
		{"polling.interval", cfg.Polling.Interval},
		{"polling.encounter_ttl", cfg.Polling.EncounterTTL},
		{"polling.repoll_interval", cfg.Polling.RepollInterval},
		{"queues.upload_visibility", cfg.Queues.UploadVisibility},
		{"queues.composition_visibility", cfg.Queues.CompositionVisibility},
		{"queues.dedup_window", cfg.Queues.DedupWindow},
		{"queues.dlq_retention", cfg.Queues.DLQRetention},
		{"workflow.retry_base", cfg.Workflow.RetryBase},
		{"workflow.lease_ttl", cfg.Workflow.LeaseTTL},
		{"workflow.poll_timeout", cfg.Workflow.PollTimeout},
		{"workflow.heavy_timeout", cfg.Workflow.HeavyTimeout},
		{"network.connect_timeout", cfg.Network.ConnectTimeout},
		{"network.data_timeout", cfg.Network.DataTimeout},
	}

	var errs []error

	for _, f := range fields {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", f.name, f.value))
			continue
		}

		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %q", f.name, f.value))
		}
	}

	return errs
}

func validateCounts(cfg *Config) []error {
	fields := []struct {
		name  string
		value int
	}{
		{"polling.batch_size", cfg.Polling.BatchSize},
		{"polling.rate_burst", cfg.Polling.RateBurst},
		{"queues.max_receive_count", cfg.Queues.MaxReceiveCount},
		{"workflow.workers", cfg.Workflow.Workers},
		{"workflow.step_attempts", cfg.Workflow.StepAttempts},
	}

	var errs []error

	for _, f := range fields {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", f.name, f.value))
		}
	}

	if cfg.Polling.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("polling.rate_limit: must be positive, got %g", cfg.Polling.RateLimit))
	}

	return errs
}

func validateLogging(lc *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[lc.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: unknown level %q", lc.LogLevel))
	}

	if !validLogFormats[lc.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: unknown format %q", lc.LogFormat))
	}

	return errs
}

func validateTenant(name string, t Tenant) []error {
	var errs []error

	if err := validateURL(t.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("tenant.%s.base_url: %w", name, err))
	}

	if err := validateURL(t.TokenURL); err != nil {
		errs = append(errs, fmt.Errorf("tenant.%s.token_url: %w", name, err))
	}

	if t.ClientID == "" {
		errs = append(errs, fmt.Errorf("tenant.%s.client_id: required", name))
	}

	if t.ClientSecret == "" && t.ClientSecretFile == "" {
		errs = append(errs, fmt.Errorf("tenant.%s: one of client_secret or client_secret_file is required", name))
	}

	if t.ClientSecret != "" && t.ClientSecretFile != "" {
		errs = append(errs, fmt.Errorf("tenant.%s: client_secret and client_secret_file are mutually exclusive", name))
	}

	return errs
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q", raw)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL %q must be http or https", raw)
	}

	return nil
}

// EnabledTenants returns the names of tenants not marked disabled, in
// deterministic order.
func (c *Config) EnabledTenants() []string {
	names := make([]string, 0, len(c.Tenants))

	for name, t := range c.Tenants {
		if !t.Disabled {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}
