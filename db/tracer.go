package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/courier/logger"
)

type traceStartKey struct{}

// CustomTracer logs every statement with its duration at debug level.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("Database: query", "sql", data.SQL, "args", len(data.Args))
	return context.WithValue(ctx, traceStartKey{}, time.Now())
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(traceStartKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.Debug("Database: query failed", "duration", elapsed, "error", data.Err)
		return
	}
	logger.Debug("Database: query done", "duration", elapsed, "rows", data.CommandTag.RowsAffected())
}
