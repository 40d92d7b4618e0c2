package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/courier/config"
	"github.com/stretchr/testify/require"
)

// TestConfig represents minimal test configuration
type TestConfig struct {
	Database struct {
		Write struct {
			Hosts    []string `toml:"hosts"`
			Port     int      `toml:"port"`
			User     string   `toml:"user"`
			Password string   `toml:"password"`
			Name     string   `toml:"name"`
			TLS      bool     `toml:"tls"`
		} `toml:"write"`
	} `toml:"database"`
}

// setupTestDatabase connects to the PostgreSQL server described by
// config-test.toml. Tests are skipped when the file is absent.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("skipping database integration test: %v", err)
	}

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	w := cfg.Database.Write
	if len(w.Hosts) == 0 {
		w.Hosts = []string{"localhost"}
	}
	dbConfig := &config.DatabaseConfig{
		ConnectRetries: 1,
		Write: &config.DatabaseEndpointConfig{
			Hosts:    w.Hosts,
			Port:     w.Port,
			User:     w.User,
			Password: w.Password,
			Name:     w.Name,
			TLSMode:  w.TLS,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	database, err := NewDatabaseFromConfig(ctx, dbConfig)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s database exists", w.Name)

	_, err = database.WritePool.Exec(ctx, "TRUNCATE domains, drafts, messages, accounts RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	t.Cleanup(database.Close)
	return database
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}
