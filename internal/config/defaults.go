package config

// Default values for configuration options. These represent the "layer 0"
// of the override chain and match the documented service behavior:
// a one-minute poll schedule, 24-hour encounter watches, and queue
// delivery limits of three receives before dead-lettering.
const (
	defaultInterval        = "1m"
	defaultEncounterTTL    = "24h"
	defaultRepollInterval  = "1m"
	defaultBatchSize       = 50
	defaultCategory        = "imaging"
	defaultRateLimit       = 10.0
	defaultRateBurst       = 5
	defaultUploadVis       = "180s"
	defaultCompositionVis  = "300s"
	defaultMaxReceiveCount = 3
	defaultDedupWindow     = "5m"
	defaultDLQRetention    = "336h" // 14 days
	defaultWorkers         = 5
	defaultStepAttempts    = 3
	defaultRetryBase       = "2s"
	defaultLeaseTTL        = "90s"
	defaultPollTimeout     = "30s"
	defaultHeavyTimeout    = "60s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "10s"
	defaultDataTimeout     = "60s"
	defaultUserAgent       = "ddxwatch/0.1"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Tenants: make(map[string]Tenant),
		Polling: PollingConfig{
			Interval:       defaultInterval,
			EncounterTTL:   defaultEncounterTTL,
			RepollInterval: defaultRepollInterval,
			BatchSize:      defaultBatchSize,
			Category:       defaultCategory,
			RateLimit:      defaultRateLimit,
			RateBurst:      defaultRateBurst,
		},
		Queues: QueuesConfig{
			UploadVisibility:      defaultUploadVis,
			CompositionVisibility: defaultCompositionVis,
			MaxReceiveCount:       defaultMaxReceiveCount,
			DedupWindow:           defaultDedupWindow,
			DLQRetention:          defaultDLQRetention,
		},
		Workflow: WorkflowConfig{
			Workers:      defaultWorkers,
			StepAttempts: defaultStepAttempts,
			RetryBase:    defaultRetryBase,
			LeaseTTL:     defaultLeaseTTL,
			PollTimeout:  defaultPollTimeout,
			HeavyTimeout: defaultHeavyTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      defaultUserAgent,
		},
	}
}
