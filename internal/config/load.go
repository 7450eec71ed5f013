package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions — this strictness is deliberate because silently
// ignoring a typo in a config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. A default config has no
// tenants, which the daemon rejects; the one-shot subcommands tolerate it.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The precedence order ensures CLI flags always win, matching user
// expectations for one-off overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.StateDir != "" {
		cfg.StateDir = env.StateDir
	}

	if cli.StateDir != "" {
		cfg.StateDir = cli.StateDir
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.LogLevel != "" {
		cfg.Logging.LogLevel = cli.LogLevel
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ResolveSecret returns the tenant's client secret, reading it from
// client_secret_file when the inline form is not set.
func (t Tenant) ResolveSecret() (string, error) {
	if t.ClientSecret != "" {
		return t.ClientSecret, nil
	}

	if t.ClientSecretFile == "" {
		return "", errors.New("tenant has neither client_secret nor client_secret_file")
	}

	raw, err := os.ReadFile(t.ClientSecretFile)
	if err != nil {
		return "", fmt.Errorf("reading client secret file: %w", err)
	}

	secret := string(raw)
	for len(secret) > 0 && (secret[len(secret)-1] == '\n' || secret[len(secret)-1] == '\r') {
		secret = secret[:len(secret)-1]
	}

	if secret == "" {
		return "", fmt.Errorf("client secret file %s is empty", t.ClientSecretFile)
	}

	return secret, nil
}
