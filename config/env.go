package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides lists the environment variables that take precedence over the
// configuration file. Empty values leave the file setting untouched.
type envOverrides struct {
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT"`
	SMTPUser     string `envconfig:"SMTP_USER"`
	SMTPPass     string `envconfig:"SMTP_PASS"`
	InboundAddr  string `envconfig:"SMTP_INBOUND_ADDR"`
	HTTPPort     string `envconfig:"PORT"`
	DKIMSelector string `envconfig:"DKIM_SELECTOR"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	APIKey       string `envconfig:"API_KEY"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv loads envFile (if it exists) into the process environment and then
// applies the recognised variables on top of cfg. Variables already set in the
// environment win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	return env.apply(cfg)
}

func (e *envOverrides) apply(cfg *Config) error {
	if e.SMTPHost != "" || e.SMTPPort != "" || e.SMTPUser != "" || e.SMTPPass != "" {
		if len(cfg.Relay.Providers) == 0 {
			cfg.Relay.Providers = cfg.Relay.GetProviders()
		}
		p := cfg.Relay.provider(cfg.Relay.GetDefaultProvider())
		if p == nil {
			return fmt.Errorf("SMTP_* overrides: default relay provider %q is not configured", cfg.Relay.GetDefaultProvider())
		}

		host, port := "localhost", "587"
		if h, pt, err := net.SplitHostPort(p.GetSMTPHost()); err == nil {
			host, port = h, pt
		}
		if e.SMTPHost != "" {
			host = e.SMTPHost
		}
		if e.SMTPPort != "" {
			port = e.SMTPPort
		}
		p.Type = "smtp"
		p.SMTPHost = net.JoinHostPort(host, port)
		if e.SMTPUser != "" {
			p.SMTPUser = e.SMTPUser
		}
		if e.SMTPPass != "" {
			p.SMTPPassword = e.SMTPPass
		}
	}

	if e.InboundAddr != "" {
		cfg.Inbound.Addr = e.InboundAddr
	}
	if e.HTTPPort != "" {
		cfg.HTTPAPI.Addr = ":" + e.HTTPPort
	}
	if e.DKIMSelector != "" {
		cfg.DNS.DKIMSelector = e.DKIMSelector
	}
	if e.DatabaseURL != "" {
		cfg.Database.URL = e.DatabaseURL
	}
	if e.APIKey != "" {
		cfg.HTTPAPI.APIKey = e.APIKey
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}
	return nil
}

func (r *RelayConfig) provider(name string) *RelayProviderConfig {
	for i := range r.Providers {
		if r.Providers[i].Name == name {
			return &r.Providers[i]
		}
	}
	return nil
}
