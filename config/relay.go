package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/migadu/courier/helpers"
)

// RelayConfig defines the outbound relay providers used by the dispatcher.
type RelayConfig struct {
	DefaultProvider string                `toml:"default_provider"`
	Providers       []RelayProviderConfig `toml:"provider"` // [[relay.provider]] entries

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// RelayProviderConfig configures one named relay.
type RelayProviderConfig struct {
	Name string `toml:"name"`
	// Type of relay: "smtp" or "http"
	Type string `toml:"type"`

	// SMTP relay configuration
	SMTPHost        string `toml:"smtp_host"`          // SMTP server address (e.g., "smtp.example.com:587")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use implicit TLS for the SMTP connection
	SMTPTLSVerify   *bool  `toml:"smtp_tls_verify"`    // Verify TLS certificates (default: true)
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS on a plain connection
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)
	SMTPUser        string `toml:"smtp_user"`
	SMTPPassword    string `toml:"smtp_password"`
	HeloName        string `toml:"helo_name"`

	// HTTP API relay configuration
	HTTPURL   string `toml:"http_url"`   // HTTP API endpoint (e.g., "https://api.example.com/v1/mail/deliver")
	AuthToken string `toml:"auth_token"` // Bearer token for HTTP Authorization header

	Timeout     string `toml:"timeout"`      // Per-send timeout (default: "30s")
	IdleTimeout string `toml:"idle_timeout"` // Close a pooled SMTP connection after this much idle time (default: "5m")
}

// IsSMTP returns true if this is an SMTP relay
func (r *RelayProviderConfig) IsSMTP() bool {
	return r.Type == "" || r.Type == "smtp"
}

// IsHTTP returns true if this is an HTTP API relay
func (r *RelayProviderConfig) IsHTTP() bool {
	return r.Type == "http"
}

// GetSMTPHost returns the relay address, adding the submission port when missing.
func (r *RelayProviderConfig) GetSMTPHost() string {
	host := r.SMTPHost
	if host == "" {
		host = "localhost"
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "587")
	}
	return host
}

// GetTLSVerify reports whether the relay certificate is verified.
func (r *RelayProviderConfig) GetTLSVerify() bool {
	if r.SMTPTLSVerify == nil {
		return true
	}
	return *r.SMTPTLSVerify
}

// GetTimeout parses the per-send timeout.
func (r *RelayProviderConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.Timeout)
}

// GetIdleTimeout parses the pooled connection idle timeout.
func (r *RelayProviderConfig) GetIdleTimeout() (time.Duration, error) {
	if r.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(r.IdleTimeout)
}

// GetProviders returns the configured providers. Without any [[relay.provider]]
// a single SMTP provider is derived from the default provider name pointing at
// localhost:587.
func (r *RelayConfig) GetProviders() []RelayProviderConfig {
	if len(r.Providers) > 0 {
		return r.Providers
	}
	return []RelayProviderConfig{{
		Name:            r.GetDefaultProvider(),
		Type:            "smtp",
		SMTPHost:        "localhost:587",
		SMTPUseStartTLS: true,
	}}
}

// GetDefaultProvider returns the provider used when a send names none.
func (r *RelayConfig) GetDefaultProvider() string {
	if r.DefaultProvider != "" {
		return r.DefaultProvider
	}
	if len(r.Providers) > 0 {
		return r.Providers[0].Name
	}
	return "local"
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (r *RelayConfig) GetCircuitBreakerThreshold() int {
	if r.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return r.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (r *RelayConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if r.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the max requests in half-open state with default
func (r *RelayConfig) GetCircuitBreakerMaxRequests() int {
	if r.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return r.CircuitBreakerMaxRequests
}

// Validate checks provider names, types and the default provider reference.
func (r *RelayConfig) Validate() error {
	seen := make(map[string]bool)
	for i, p := range r.Providers {
		if p.Name == "" {
			return fmt.Errorf("relay: provider #%d has no name", i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("relay: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true

		switch strings.ToLower(p.Type) {
		case "", "smtp":
			if p.SMTPTLS && p.SMTPUseStartTLS {
				return fmt.Errorf("relay: provider %q: smtp_tls and smtp_use_starttls are exclusive", p.Name)
			}
		case "http":
			if p.HTTPURL == "" {
				return fmt.Errorf("relay: provider %q: http_url is required", p.Name)
			}
		default:
			return fmt.Errorf("relay: provider %q: unsupported type %q", p.Name, p.Type)
		}
		if _, err := p.GetTimeout(); err != nil {
			return fmt.Errorf("relay: provider %q: timeout: %w", p.Name, err)
		}
		if _, err := p.GetIdleTimeout(); err != nil {
			return fmt.Errorf("relay: provider %q: idle_timeout: %w", p.Name, err)
		}
	}

	if len(r.Providers) > 0 && !seen[r.GetDefaultProvider()] {
		return fmt.Errorf("relay: default_provider %q is not configured", r.GetDefaultProvider())
	}
	if _, err := r.GetCircuitBreakerTimeout(); err != nil {
		return fmt.Errorf("relay: circuit_breaker_timeout: %w", err)
	}
	return nil
}
