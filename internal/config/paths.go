package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "ddxwatch"

// Config file name.
const configFileName = "config.toml"

// Watch store database file name.
const stateDBName = "watch.db"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/ddxwatch).
// On macOS, uses ~/Library/Application Support/ddxwatch per Apple guidelines.
// Other platforms fall back to ~/.config/ddxwatch.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultStateDir returns the platform-specific directory for the watch
// store database.
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/ddxwatch).
// On macOS, uses ~/Library/Application Support/ddxwatch.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxStateDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxStateDir returns the XDG-compliant data directory for Linux.
func linuxStateDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither DDXWATCH_CONFIG nor --config
// is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// StatePath returns the watch store database path under the resolved
// state directory.
func (c *Config) StatePath() string {
	dir := c.StateDir
	if dir == "" {
		dir = DefaultStateDir()
	}

	return filepath.Join(dir, stateDBName)
}
