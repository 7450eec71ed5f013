package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "DDXWATCH_CONFIG"
	EnvStateDir = "DDXWATCH_STATE_DIR"
	EnvLogLevel = "DDXWATCH_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DDXWATCH_CONFIG: override config file path
	StateDir   string // DDXWATCH_STATE_DIR: state directory override
	LogLevel   string // DDXWATCH_LOG_LEVEL: log level override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; callers apply the relevant
// fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		StateDir:   os.Getenv(EnvStateDir),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
