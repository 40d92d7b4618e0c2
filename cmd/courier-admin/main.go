package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/db/sqlitestore"
	"github.com/migadu/courier/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command := os.Args[1]; command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "accounts":
		handleAccountsCommand(ctx)
	case "domains":
		handleDomainsCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Courier Admin Tool

Usage:
  courier-admin <command> <subcommand> [options]

Commands:
  migrate    Manage the PostgreSQL schema (up, down, version, force)
  accounts   Manage local accounts (add, show)
  domains    Manage sending domains (add, list, verify, check)
  help       Show this help message

Examples:
  courier-admin migrate up --config /etc/courier/config.toml
  courier-admin accounts add --address user@example.com --user-id u-123
  courier-admin domains add --user-id u-123 --domain example.com
  courier-admin domains check --domain example.com --selector mail

Use 'courier-admin <command> help' for more information about a command.
`)
}

// commonFlags registers the flags every subcommand accepts.
func commonFlags(fs *flag.FlagSet) (configPath, envFile *string) {
	configPath = fs.String("config", "config.toml", "Path to TOML configuration file")
	envFile = fs.String("envfile", ".env", "Optional dotenv file with environment overrides")
	return configPath, envFile
}

// loadConfig reads the configuration the same way the daemon does. A
// missing default file falls back to the built-in defaults.
func loadConfig(configPath, envFile string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Configuration file not found, using defaults", "path", configPath)
		} else {
			logger.Fatal("Failed to load configuration", "path", configPath, "error", err)
		}
	}
	if err := config.ApplyEnv(&cfg, envFile); err != nil {
		logger.Fatal("Failed to apply environment overrides", "error", err)
	}
	logger.SetLevel(cfg.Logging.Level)
	return cfg
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) db.Store {
	var (
		store db.Store
		err   error
	)
	if cfg.GetDriver() == "sqlite" {
		store, err = sqlitestore.Open(ctx, cfg.GetSQLitePath())
	} else {
		store, err = db.NewDatabaseFromConfig(ctx, &cfg)
	}
	if err != nil {
		logger.Fatal("Failed to open store", "driver", cfg.GetDriver(), "error", err)
	}
	return store
}
