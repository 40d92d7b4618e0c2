package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":25", cfg.Inbound.Addr)
	assert.Equal(t, "default", cfg.DNS.GetDKIMSelector())

	providers := cfg.Relay.GetProviders()
	require.Len(t, providers, 1)
	assert.Equal(t, "local", providers[0].Name)
	assert.Equal(t, "localhost:587", providers[0].GetSMTPHost())

	size, err := cfg.Inbound.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(25<<20), size)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "sqlite"
sqlite_path = "  /var/lib/courier/mail.db  "

[inbound]
addr = ":2525"
max_recipients = 5
command_timeout = "90s"

[relay]
default_provider = "primary"

[[relay.provider]]
name = "primary"
type = "smtp"
smtp_host = "smtp.example.com"
smtp_use_starttls = true

[[relay.provider]]
name = "api"
type = "http"
http_url = "https://relay.example.com/send"
auth_token = "secret"

[dns]
dkim_selector = "mail"

unknown_key = "ignored"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.GetDriver())
	assert.Equal(t, "/var/lib/courier/mail.db", cfg.Database.GetSQLitePath(), "strings are trimmed")
	assert.Equal(t, ":2525", cfg.Inbound.Addr)
	assert.Equal(t, 5, cfg.Inbound.GetMaxRecipients())

	timeout, err := cfg.Inbound.GetCommandTimeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, timeout)

	providers := cfg.Relay.GetProviders()
	require.Len(t, providers, 2)
	assert.Equal(t, "smtp.example.com:587", providers[0].GetSMTPHost())
	assert.True(t, providers[0].GetTLSVerify())
	assert.True(t, providers[1].IsHTTP())
	assert.Equal(t, "mail", cfg.DNS.GetDKIMSelector())
}

func TestLoadConfigFromFileSyntaxError(t *testing.T) {
	path := writeConfig(t, "[inbound\naddr = ")
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestRelayValidate(t *testing.T) {
	tests := []struct {
		name    string
		relay   RelayConfig
		wantErr string
	}{
		{
			name:  "no providers uses derived default",
			relay: RelayConfig{},
		},
		{
			name:    "missing name",
			relay:   RelayConfig{Providers: []RelayProviderConfig{{Type: "smtp"}}},
			wantErr: "has no name",
		},
		{
			name: "duplicate name",
			relay: RelayConfig{Providers: []RelayProviderConfig{
				{Name: "a"}, {Name: "a"},
			}},
			wantErr: "duplicate provider",
		},
		{
			name:    "http without url",
			relay:   RelayConfig{Providers: []RelayProviderConfig{{Name: "a", Type: "http"}}},
			wantErr: "http_url is required",
		},
		{
			name:    "unknown type",
			relay:   RelayConfig{Providers: []RelayProviderConfig{{Name: "a", Type: "carrier-pigeon"}}},
			wantErr: "unsupported type",
		},
		{
			name: "default provider missing",
			relay: RelayConfig{
				DefaultProvider: "b",
				Providers:       []RelayProviderConfig{{Name: "a"}},
			},
			wantErr: "is not configured",
		},
		{
			name:    "tls modes exclusive",
			relay:   RelayConfig{Providers: []RelayProviderConfig{{Name: "a", SMTPTLS: true, SMTPUseStartTLS: true}}},
			wantErr: "exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.relay.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseEndpointPort(t *testing.T) {
	tests := []struct {
		port    interface{}
		want    string
		wantErr bool
	}{
		{nil, "5432", false},
		{"", "5432", false},
		{"6432", "6432", false},
		{int64(5433), "5433", false},
		{"abc", "", true},
		{1.5, "", true},
	}
	for _, tt := range tests {
		e := DatabaseEndpointConfig{Port: tt.port}
		got, err := e.GetPort()
		if tt.wantErr {
			assert.Error(t, err, "port %v", tt.port)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
