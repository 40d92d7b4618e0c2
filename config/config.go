package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/courier/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts for runtime failover/load balancing.
	// Examples: ["db.example.com"], ["db1", "db2"], ["db1:5432", "db2:5433"]
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// DatabaseConfig selects and configures the persistent store.
type DatabaseConfig struct {
	Driver           string                  `toml:"driver"`            // "postgres" (default) or "sqlite"
	URL              string                  `toml:"url"`               // Full postgres connection URL, overrides write endpoint
	SQLitePath       string                  `toml:"sqlite_path"`       // Database file for the sqlite driver
	Debug            bool                    `toml:"debug"`             // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for queries (default: "30s")
	WriteTimeout     string                  `toml:"write_timeout"`     // Timeout for write operations (default: "10s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for migrations at startup (default: "2m")
	ConnectRetries   int                     `toml:"connect_retries"`   // Attempts to reach the store at startup (default: 5)
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // Optional read replicas
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetPort returns the endpoint port as a string, accepting both TOML integers and strings.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	switch v := e.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if v == "" {
			return "5432", nil
		}
		if _, err := strconv.Atoi(v); err != nil {
			return "", fmt.Errorf("invalid database port %q", v)
		}
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return "", fmt.Errorf("invalid database port type %T", e.Port)
	}
}

// GetDriver returns the configured store driver.
func (d *DatabaseConfig) GetDriver() string {
	if d.Driver == "" {
		return "postgres"
	}
	return strings.ToLower(d.Driver)
}

// GetSQLitePath returns the sqlite database file.
func (d *DatabaseConfig) GetSQLitePath() string {
	if d.SQLitePath == "" {
		return "courier.db"
	}
	return d.SQLitePath
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// GetConnectRetries returns how many times startup tries to reach the store.
func (d *DatabaseConfig) GetConnectRetries() int {
	if d.ConnectRetries <= 0 {
		return 5
	}
	return d.ConnectRetries
}

// InboundConfig holds the inbound SMTP listener settings.
type InboundConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`         // Announced in the banner, defaults to os.Hostname()
	MaxMessageSize string `toml:"max_message_size"` // e.g. "25mb"
	MaxRecipients  int    `toml:"max_recipients"`
	MaxErrors      int    `toml:"max_errors"` // Protocol errors tolerated before the session is dropped
	MaxConnections int    `toml:"max_connections"`
	CommandTimeout string `toml:"command_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	Debug          bool   `toml:"debug"` // Log the protocol transcript
}

// GetMaxMessageSize parses the maximum accepted message size.
func (c *InboundConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// GetMaxRecipients returns the recipient limit per transaction.
func (c *InboundConfig) GetMaxRecipients() int {
	if c.MaxRecipients <= 0 {
		return 100
	}
	return c.MaxRecipients
}

// GetMaxErrors returns the protocol error limit per session.
func (c *InboundConfig) GetMaxErrors() int {
	if c.MaxErrors <= 0 {
		return 10
	}
	return c.MaxErrors
}

// GetCommandTimeout parses the idle timeout between commands.
func (c *InboundConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.CommandTimeout)
}

// GetDataTimeout parses the timeout for receiving a message body.
func (c *InboundConfig) GetDataTimeout() (time.Duration, error) {
	if c.DataTimeout == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(c.DataTimeout)
}

// GetHostname returns the configured hostname or the machine name.
func (c *InboundConfig) GetHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// DNSConfig holds settings for domain authentication lookups.
type DNSConfig struct {
	DKIMSelector  string `toml:"dkim_selector"`
	LookupTimeout string `toml:"lookup_timeout"`
	Nameserver    string `toml:"nameserver"` // host:port, empty means the system resolver
}

// GetDKIMSelector returns the DKIM selector used when the caller gives none.
func (c *DNSConfig) GetDKIMSelector() string {
	if c.DKIMSelector == "" {
		return "default"
	}
	return c.DKIMSelector
}

// GetLookupTimeout parses the per-lookup timeout.
func (c *DNSConfig) GetLookupTimeout() (time.Duration, error) {
	if c.LookupTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.LookupTimeout)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// HealthConfig controls the periodic component checks.
type HealthConfig struct {
	Interval string `toml:"interval"`
	Timeout  string `toml:"timeout"`
}

// GetInterval parses the check interval.
func (c *HealthConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetTimeout parses the per-check timeout.
func (c *HealthConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Inbound  InboundConfig  `toml:"inbound"`
	Relay    RelayConfig    `toml:"relay"`
	DNS      DNSConfig      `toml:"dns"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Health   HealthConfig   `toml:"health"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:           "postgres",
			QueryTimeout:     "30s",
			WriteTimeout:     "10s",
			MigrationTimeout: "2m",
			Write: &DatabaseEndpointConfig{
				Hosts:    []string{"localhost"},
				Port:     "5432",
				User:     "postgres",
				Name:     "courier_mail_db",
				MaxConns: 50,
				MinConns: 5,
			},
		},
		Inbound: InboundConfig{
			Start:          true,
			Addr:           ":25",
			MaxMessageSize: "25mb",
			MaxRecipients:  100,
			MaxErrors:      10,
			CommandTimeout: "5m",
			DataTimeout:    "10m",
		},
		Relay: RelayConfig{
			DefaultProvider: "local",
		},
		DNS: DNSConfig{
			DKIMSelector:  "default",
			LookupTimeout: "5s",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: true,
			Addr:  ":3000",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Interval: "30s",
			Timeout:  "5s",
		},
	}
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	switch c.Database.GetDriver() {
	case "postgres":
		if c.Database.URL == "" && (c.Database.Write == nil || len(c.Database.Write.Hosts) == 0) {
			return fmt.Errorf("database: postgres driver requires url or write.hosts")
		}
	case "sqlite":
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}

	if _, err := c.Inbound.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("inbound: max_message_size: %w", err)
	}
	if _, err := c.Inbound.GetCommandTimeout(); err != nil {
		return fmt.Errorf("inbound: command_timeout: %w", err)
	}
	if _, err := c.Inbound.GetDataTimeout(); err != nil {
		return fmt.Errorf("inbound: data_timeout: %w", err)
	}
	if _, err := c.DNS.GetLookupTimeout(); err != nil {
		return fmt.Errorf("dns: lookup_timeout: %w", err)
	}
	return c.Relay.Validate()
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are reported as warnings and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Check quoting of strings, balanced brackets, and [section] or [[array]] headers.", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port can be a string or an integer
		if !v.IsNil() {
			if elem := v.Elem(); elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
