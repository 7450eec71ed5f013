package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
state_dir = "/var/lib/ddxwatch"

[polling]
interval = "2m"
encounter_ttl = "12h"
repoll_interval = "30s"
batch_size = 25
category = "radiology"
rate_limit = 4.0
rate_burst = 2

[queues]
upload_visibility = "120s"
composition_visibility = "240s"
max_receive_count = 5
dedup_window = "10m"
dlq_retention = "168h"

[workflow]
workers = 8
step_attempts = 4
retry_base = "1s"
lease_ttl = "60s"
poll_timeout = "20s"
heavy_timeout = "90s"

[logging]
log_level = "debug"
log_format = "json"
log_file = "/tmp/ddxwatch.log"

[network]
connect_timeout = "5s"
data_timeout = "30s"
user_agent = "ddxwatch-test/1"

[tenant.acme]
base_url = "https://emr.acme.example/api"
token_url = "https://auth.acme.example/token"
client_id = "acme-client"
client_secret = "hunter2"

[tenant.globex]
base_url = "https://emr.globex.example/api"
token_url = "https://auth.globex.example/token"
client_id = "globex-client"
client_secret = "s3cret"
disabled = true
`

	path := writeTestConfig(t, tomlContent)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ddxwatch", cfg.StateDir)
	assert.Equal(t, 2*time.Minute, cfg.Polling.IntervalDuration())
	assert.Equal(t, 12*time.Hour, cfg.Polling.EncounterTTLDuration())
	assert.Equal(t, "radiology", cfg.Polling.Category)
	assert.Equal(t, 5, cfg.Queues.MaxReceiveCount)
	assert.Equal(t, 240*time.Second, cfg.Queues.CompositionVisibilityDuration())
	assert.Equal(t, 8, cfg.Workflow.Workers)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Len(t, cfg.Tenants, 2)
	assert.Equal(t, "acme-client", cfg.Tenants["acme"].ClientID)

	// Enabled tenants exclude disabled ones and are sorted.
	assert.Equal(t, []string{"acme"}, cfg.EnabledTenants())
}

func TestLoad_DefaultsWhenSectionsOmitted(t *testing.T) {
	path := writeTestConfig(t, `
[tenant.acme]
base_url = "https://emr.acme.example/api"
token_url = "https://auth.acme.example/token"
client_id = "acme-client"
client_secret = "hunter2"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Polling.IntervalDuration())
	assert.Equal(t, 24*time.Hour, cfg.Polling.EncounterTTLDuration())
	assert.Equal(t, "imaging", cfg.Polling.Category)
	assert.Equal(t, 180*time.Second, cfg.Queues.UploadVisibilityDuration())
	assert.Equal(t, 300*time.Second, cfg.Queues.CompositionVisibilityDuration())
	assert.Equal(t, 3, cfg.Queues.MaxReceiveCount)
	assert.Equal(t, 5*time.Minute, cfg.Queues.DedupWindowDuration())
	assert.Equal(t, 14*24*time.Hour, cfg.Queues.DLQRetentionDuration())
	assert.Equal(t, 5, cfg.Workflow.Workers)
	assert.Equal(t, 3, cfg.Workflow.StepAttempts)
	assert.Equal(t, 2*time.Second, cfg.Workflow.RetryBaseDuration())
	assert.Equal(t, 30*time.Second, cfg.Workflow.PollTimeoutDuration())
	assert.Equal(t, 60*time.Second, cfg.Workflow.HeavyTimeoutDuration())
	assert.Equal(t, "info", cfg.Logging.LogLevel)
}

func TestLoad_UnknownKeySuggestion(t *testing.T) {
	path := writeTestConfig(t, `
[polling]
intervall = "2m"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"polling.intervall"`)
	assert.Contains(t, err.Error(), `"interval"`)
}

func TestLoad_UnknownTenantKey(t *testing.T) {
	path := writeTestConfig(t, `
[tenant.acme]
base_url = "https://emr.acme.example/api"
token_url = "https://auth.acme.example/token"
client_id = "acme-client"
client_secret = "hunter2"
client_secrt = "oops"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_secrt")
	assert.Contains(t, err.Error(), `"client_secret"`)
}

func TestLoad_InvalidDurationRejected(t *testing.T) {
	path := writeTestConfig(t, `
[polling]
interval = "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polling.interval")
}

func TestLoad_TenantMissingCredentialsRejected(t *testing.T) {
	path := writeTestConfig(t, `
[tenant.acme]
base_url = "https://emr.acme.example/api"
token_url = "https://auth.acme.example/token"
client_id = "acme-client"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_secret")
}

func TestLoad_TenantBothSecretFormsRejected(t *testing.T) {
	path := writeTestConfig(t, `
[tenant.acme]
base_url = "https://emr.acme.example/api"
token_url = "https://auth.acme.example/token"
client_id = "acme-client"
client_secret = "a"
client_secret_file = "/etc/ddxwatch/secret"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Tenants)
	assert.Equal(t, defaultLogLevel, cfg.Logging.LogLevel)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeTestConfig(t, `
state_dir = "/from/file"

[logging]
log_level = "warn"

[tenant.acme]
base_url = "https://emr.acme.example/api"
token_url = "https://auth.acme.example/token"
client_id = "acme-client"
client_secret = "hunter2"
`)

	env := EnvOverrides{ConfigPath: path, StateDir: "/from/env", LogLevel: "error"}
	cli := CLIOverrides{StateDir: "/from/cli"}

	cfg, err := Resolve(env, cli)
	require.NoError(t, err)

	// CLI beats env beats file.
	assert.Equal(t, "/from/cli", cfg.StateDir)
	// No CLI log level: env wins over file.
	assert.Equal(t, "error", cfg.Logging.LogLevel)
}

func TestResolveSecret_FromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret\n"), 0o600))

	tenant := Tenant{ClientSecretFile: secretPath}

	secret, err := tenant.ResolveSecret()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
}

func TestResolveSecret_EmptyFileRejected(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("\n"), 0o600))

	tenant := Tenant{ClientSecretFile: secretPath}

	_, err := tenant.ResolveSecret()
	require.Error(t, err)
}

func TestStatePath(t *testing.T) {
	cfg := &Config{StateDir: "/var/lib/ddxwatch"}
	assert.Equal(t, "/var/lib/ddxwatch/watch.db", cfg.StatePath())
}
