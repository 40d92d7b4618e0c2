package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/courier/config"
	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/metrics"
	"github.com/migadu/courier/pkg/retry"
)

// Database is the PostgreSQL implementation of Store.
type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool

	queryTimeout time.Duration
	writeTimeout time.Duration
}

// NewDatabaseFromConfig connects the write pool and, when configured, a
// separate read pool. A full URL in the config takes precedence over the
// write endpoint. Schema migrations are applied before returning.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}
	writeTimeout, err := dbConfig.GetWriteTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}
	migrationTimeout, err := dbConfig.GetMigrationTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid migration_timeout: %w", err)
	}

	writeConn, err := WriteConnString(dbConfig)
	if err != nil {
		return nil, err
	}
	var writeEP *config.DatabaseEndpointConfig
	if dbConfig.URL == "" {
		writeEP = dbConfig.Write
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = dbConfig.GetConnectRetries()

	var writePool *pgxpool.Pool
	err = retry.WithRetry(ctx, func() error {
		var perr error
		writePool, perr = createPool(ctx, writeConn, writeEP, dbConfig.Debug, "write")
		return perr
	}, backoff)
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil && len(dbConfig.Read.Hosts) > 0 {
		readConn, err := endpointConnString(dbConfig.Read)
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("read endpoint: %w", err)
		}
		readPool, err = createPool(ctx, readConn, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Debug("Database: no read configuration, using write pool for reads")
	}

	db := &Database{
		WritePool:    writePool,
		ReadPool:     readPool,
		queryTimeout: queryTimeout,
		writeTimeout: writeTimeout,
	}

	if err := Migrate(ctx, writeConn, migrationTimeout); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// WriteConnString returns the connection URL of the primary: the configured
// URL if set, otherwise one built from the write endpoint.
func WriteConnString(dbConfig *config.DatabaseConfig) (string, error) {
	if dbConfig.URL != "" {
		return dbConfig.URL, nil
	}
	if dbConfig.Write == nil {
		return "", fmt.Errorf("write database configuration is required")
	}
	conn, err := endpointConnString(dbConfig.Write)
	if err != nil {
		return "", fmt.Errorf("write endpoint: %w", err)
	}
	return conn, nil
}

// endpointConnString builds a postgres URL from an endpoint, picking one of
// its hosts at random. A host that already carries a port keeps it.
func endpointConnString(endpoint *config.DatabaseEndpointConfig) (string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", fmt.Errorf("at least one host must be specified")
	}
	host := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]
	if !strings.Contains(host, ":") {
		port, err := endpoint.GetPort()
		if err != nil {
			return "", err
		}
		host = net.JoinHostPort(host, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, sslMode), nil
}

func createPool(ctx context.Context, connString string, endpoint *config.DatabaseEndpointConfig, debug bool, role string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, retry.Stop(fmt.Errorf("unable to parse connection string: %w", err))
	}

	if debug {
		cfg.ConnConfig.Tracer = &CustomTracer{}
	}

	if endpoint != nil {
		if endpoint.MaxConns > 0 {
			cfg.MaxConns = int32(endpoint.MaxConns)
		}
		if endpoint.MinConns > 0 {
			cfg.MinConns = int32(endpoint.MinConns)
		}
		lifetime, err := endpoint.GetMaxConnLifetime()
		if err != nil {
			return nil, retry.Stop(fmt.Errorf("invalid max_conn_lifetime: %w", err))
		}
		cfg.MaxConnLifetime = lifetime
		idle, err := endpoint.GetMaxConnIdleTime()
		if err != nil {
			return nil, retry.Stop(fmt.Errorf("invalid max_conn_idle_time: %w", err))
		}
		cfg.MaxConnIdleTime = idle
	}

	logger.Info("Database: connecting", "role", role, "host", cfg.ConnConfig.Host,
		"port", cfg.ConnConfig.Port, "database", cfg.ConnConfig.Database, "user", cfg.ConnConfig.User)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool ready", "role", role,
		"max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)
	return pool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks that the write pool can reach the server.
func (db *Database) Ping(ctx context.Context) error {
	return db.WritePool.Ping(ctx)
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	stats := db.WritePool.Stat()
	metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
	metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
	if db.ReadPool != db.WritePool {
		stats = db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
	}
}

// GetReadPoolWithContext returns the pool for reads. Contexts carrying
// consts.UseMasterDBKey read from the write pool to see their own writes.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

func (db *Database) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func (db *Database) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.writeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.writeTimeout)
}

func (db *Database) roleOf(pool *pgxpool.Pool) string {
	if pool == db.WritePool {
		return "write"
	}
	return "read"
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// timedRow defers metric recording until Scan, where the query error surfaces.
type timedRow struct {
	row       pgx.Row
	operation string
	role      string
	start     time.Time
	cancel    context.CancelFunc
}

func (r *timedRow) Scan(dest ...any) error {
	defer r.cancel()
	err := r.row.Scan(dest...)
	observe(r.operation, r.role, r.start, err)
	return err
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	pool := db.GetReadPoolWithContext(ctx)
	ctx, cancel := db.readContext(ctx)
	return &timedRow{
		row:       pool.QueryRow(ctx, sql, args...),
		operation: operation,
		role:      db.roleOf(pool),
		start:     time.Now(),
		cancel:    cancel,
	}
}

// TimedWriteRow is TimedQueryRow against the write pool, for INSERT ... RETURNING.
func (db *Database) TimedWriteRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	ctx, cancel := db.writeContext(ctx)
	return &timedRow{
		row:       db.WritePool.QueryRow(ctx, sql, args...),
		operation: operation,
		role:      "write",
		start:     time.Now(),
		cancel:    cancel,
	}
}

// TimedQuery wraps Query with duration metrics. The rows are collected
// before returning so the timeout context can be released.
func TimedQuery[T any](ctx context.Context, db *Database, operation string, scan pgx.RowToFunc[T], sql string, args ...any) ([]T, error) {
	pool := db.GetReadPoolWithContext(ctx)
	ctx, cancel := db.readContext(ctx)
	defer cancel()

	start := time.Now()
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		observe(operation, db.roleOf(pool), start, err)
		return nil, err
	}
	items, err := pgx.CollectRows(rows, scan)
	observe(operation, db.roleOf(pool), start, err)
	return items, err
}

// TimedExec wraps Exec with duration metrics and returns the affected row count.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (int64, error) {
	ctx, cancel := db.writeContext(ctx)
	defer cancel()

	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)
	observe(operation, "write", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
