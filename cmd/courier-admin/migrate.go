package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch subcommand := os.Args[2]; subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Applies to the postgres driver. The sqlite store migrates itself on open.
Run with the courier daemon stopped; a database lock guards against overlap.

Usage:
  courier-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  courier-admin migrate up
  courier-admin migrate down --limit 2
  courier-admin migrate down --all
  courier-admin migrate force 1
`)
}

// lockedMigrator is a migrate instance plus the connection holding the
// advisory lock. Session locks are per connection, so one is reserved.
type lockedMigrator struct {
	m     *migrate.Migrate
	sqlDB *sql.DB
	conn  *sql.Conn
}

func openMigrator(ctx context.Context, configPath, envFile string, lock bool) *lockedMigrator {
	cfg := loadConfig(configPath, envFile)
	if cfg.Database.GetDriver() != "postgres" {
		logger.Fatal("Migrations are managed only for the postgres driver", "driver", cfg.Database.GetDriver())
	}
	connString, err := db.WriteConnString(&cfg.Database)
	if err != nil {
		logger.Fatal("Invalid database configuration", "error", err)
	}

	m, sqlDB, err := db.NewMigrator(ctx, connString)
	if err != nil {
		logger.Fatal("Failed to initialize migration tool", "error", err)
	}
	lm := &lockedMigrator{m: m, sqlDB: sqlDB}
	if lock {
		if err := lm.acquire(ctx); err != nil {
			sqlDB.Close()
			logger.Fatal("Failed to acquire exclusive lock", "error", err)
		}
	}
	return lm
}

func (lm *lockedMigrator) acquire(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := lm.sqlDB.Conn(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return errors.New("could not acquire exclusive database lock. Is a courier instance already running?")
	}
	lm.conn = conn
	logger.Info("Acquired exclusive database lock for migration")
	return nil
}

func (lm *lockedMigrator) Close() {
	if lm.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var unlocked bool
		if err := lm.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID).Scan(&unlocked); err != nil {
			logger.Warn("Failed to release advisory lock", "error", err)
		} else if !unlocked {
			logger.Warn("pg_advisory_unlock reported the lock was not held")
		}
		lm.conn.Close()
	}
	lm.sqlDB.Close()
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	fs.Parse(os.Args[3:])

	lm := openMigrator(ctx, *configPath, *envFile, true)
	defer lm.Close()

	logger.Info("Applying UP migrations")
	if err := lm.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		lm.Close()
		logger.Fatal("Failed to apply UP migrations", "error", err)
	}
	showVersion(lm.m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	lm := openMigrator(ctx, *configPath, *envFile, true)
	defer lm.Close()

	steps := *limit
	if *all {
		version, dirty, err := lm.m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations to revert")
			return
		}
		if err != nil {
			lm.Close()
			logger.Fatal("Failed to get current migration version", "error", err)
		}
		if dirty {
			lm.Close()
			logger.Fatal("Database is in a dirty state, fix it with 'force'", "version", version)
		}
		steps = int(version)
	}

	logger.Info("Reverting migrations", "steps", steps)
	if err := lm.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		lm.Close()
		logger.Fatal("Failed to revert migrations", "error", err)
	}
	showVersion(lm.m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	fs.Parse(os.Args[3:])

	lm := openMigrator(ctx, *configPath, *envFile, false)
	defer lm.Close()
	showVersion(lm.m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: courier-admin migrate force [--config config.toml] <version>")
	}
	fs.Parse(os.Args[3:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatal("Invalid version number", "error", err)
	}

	lm := openMigrator(ctx, *configPath, *envFile, true)
	defer lm.Close()

	logger.Info("Forcing database version", "version", version)
	if err := lm.m.Force(version); err != nil {
		lm.Close()
		logger.Fatal("Failed to force version", "error", err)
	}
	showVersion(lm.m)
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("Current migration version: none")
	case err != nil:
		logger.Error("Failed to get migration version", "error", err)
	default:
		fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
	}
}
