package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvSMTPOverrides(t *testing.T) {
	t.Setenv("SMTP_HOST", "relay.example.net")
	t.Setenv("SMTP_PORT", "2587")
	t.Setenv("SMTP_USER", "mailer")
	t.Setenv("SMTP_PASS", "hunter2")
	t.Setenv("DKIM_SELECTOR", "s1")

	cfg := NewDefaultConfig()
	require.NoError(t, ApplyEnv(&cfg, ""))

	require.Len(t, cfg.Relay.Providers, 1)
	p := cfg.Relay.Providers[0]
	assert.Equal(t, "local", p.Name)
	assert.Equal(t, "relay.example.net:2587", p.SMTPHost)
	assert.Equal(t, "mailer", p.SMTPUser)
	assert.Equal(t, "hunter2", p.SMTPPassword)
	assert.Equal(t, "s1", cfg.DNS.GetDKIMSelector())
}

func TestApplyEnvPortOnlyKeepsHost(t *testing.T) {
	t.Setenv("SMTP_PORT", "25")

	cfg := NewDefaultConfig()
	cfg.Relay.Providers = []RelayProviderConfig{{Name: "local", SMTPHost: "mx.example.org:587"}}
	require.NoError(t, ApplyEnv(&cfg, ""))
	assert.Equal(t, "mx.example.org:25", cfg.Relay.Providers[0].SMTPHost)
}

func TestApplyEnvDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("COURIER_TEST_UNUSED=1\nAPI_KEY=from-dotenv\n"), 0600))
	// godotenv does not override variables that are already set, so make sure
	// API_KEY is unset for this test and cleaned up afterwards.
	t.Setenv("API_KEY", "")
	require.NoError(t, os.Unsetenv("API_KEY"))
	t.Cleanup(func() { os.Unsetenv("COURIER_TEST_UNUSED") })

	cfg := NewDefaultConfig()
	require.NoError(t, ApplyEnv(&cfg, envFile))
	assert.Equal(t, "from-dotenv", cfg.HTTPAPI.APIKey)
}

func TestApplyEnvMissingDotEnvIsIgnored(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, ApplyEnv(&cfg, filepath.Join(t.TempDir(), "missing.env")))
}

func TestApplyEnvUnknownDefaultProvider(t *testing.T) {
	t.Setenv("SMTP_HOST", "relay.example.net")

	cfg := NewDefaultConfig()
	cfg.Relay.DefaultProvider = "other"
	cfg.Relay.Providers = []RelayProviderConfig{{Name: "local"}}
	err := ApplyEnv(&cfg, "")
	require.Error(t, err)
}
