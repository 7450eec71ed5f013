// Package config implements TOML configuration loading and validation
// for ddxwatch. It supports a three-layer override chain
// (defaults -> config file -> environment/CLI flags) with per-tenant
// sections for EMR endpoints and credentials.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// StateDir holds the watch store database. Empty means the
	// platform default under the user state directory.
	StateDir string `toml:"state_dir"`

	Tenants  map[string]Tenant `toml:"tenant"`
	Polling  PollingConfig     `toml:"polling"`
	Queues   QueuesConfig      `toml:"queues"`
	Workflow WorkflowConfig    `toml:"workflow"`
	Logging  LoggingConfig     `toml:"logging"`
	Network  NetworkConfig     `toml:"network"`
}

// Tenant is one clinic firm's EMR endpoint and OAuth2 client. Exactly
// one of client_secret and client_secret_file must be set; the file
// form keeps secrets out of the main config.
type Tenant struct {
	BaseURL          string   `toml:"base_url"`
	TokenURL         string   `toml:"token_url"`
	ClientID         string   `toml:"client_id"`
	ClientSecret     string   `toml:"client_secret"`
	ClientSecretFile string   `toml:"client_secret_file"`
	Scopes           []string `toml:"scopes"`
	Disabled         bool     `toml:"disabled"`
}

// PollingConfig controls the orchestrator schedule and watch lifetimes.
type PollingConfig struct {
	Interval       string  `toml:"interval"`
	EncounterTTL   string  `toml:"encounter_ttl"`
	RepollInterval string  `toml:"repoll_interval"`
	BatchSize      int     `toml:"batch_size"`
	Category       string  `toml:"category"`
	RateLimit      float64 `toml:"rate_limit"`
	RateBurst      int     `toml:"rate_burst"`
}

// QueuesConfig controls work queue delivery and dead-letter behavior.
type QueuesConfig struct {
	UploadVisibility      string `toml:"upload_visibility"`
	CompositionVisibility string `toml:"composition_visibility"`
	MaxReceiveCount       int    `toml:"max_receive_count"`
	DedupWindow           string `toml:"dedup_window"`
	DLQRetention          string `toml:"dlq_retention"`
}

// WorkflowConfig controls per-run concurrency, retry, and timeouts.
type WorkflowConfig struct {
	Workers      int    `toml:"workers"`
	StepAttempts int    `toml:"step_attempts"`
	RetryBase    string `toml:"retry_base"`
	LeaseTTL     string `toml:"lease_ttl"`
	PollTimeout  string `toml:"poll_timeout"`
	HeavyTimeout string `toml:"heavy_timeout"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// NetworkConfig controls HTTP client behavior toward the EMR.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	StateDir   string // --state-dir flag
	LogLevel   string // from --verbose/--quiet
}

// Duration-string accessors. Validation guarantees these parse, so the
// accessors swallow the impossible error.

func (p PollingConfig) IntervalDuration() time.Duration       { return mustDuration(p.Interval) }
func (p PollingConfig) EncounterTTLDuration() time.Duration   { return mustDuration(p.EncounterTTL) }
func (p PollingConfig) RepollIntervalDuration() time.Duration { return mustDuration(p.RepollInterval) }

func (q QueuesConfig) UploadVisibilityDuration() time.Duration {
	return mustDuration(q.UploadVisibility)
}

func (q QueuesConfig) CompositionVisibilityDuration() time.Duration {
	return mustDuration(q.CompositionVisibility)
}

func (q QueuesConfig) DedupWindowDuration() time.Duration  { return mustDuration(q.DedupWindow) }
func (q QueuesConfig) DLQRetentionDuration() time.Duration { return mustDuration(q.DLQRetention) }

func (w WorkflowConfig) RetryBaseDuration() time.Duration    { return mustDuration(w.RetryBase) }
func (w WorkflowConfig) LeaseTTLDuration() time.Duration     { return mustDuration(w.LeaseTTL) }
func (w WorkflowConfig) PollTimeoutDuration() time.Duration  { return mustDuration(w.PollTimeout) }
func (w WorkflowConfig) HeavyTimeoutDuration() time.Duration { return mustDuration(w.HeavyTimeout) }

func (n NetworkConfig) ConnectTimeoutDuration() time.Duration { return mustDuration(n.ConnectTimeout) }
func (n NetworkConfig) DataTimeoutDuration() time.Duration    { return mustDuration(n.DataTimeout) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
