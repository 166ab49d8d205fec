// Package storage persists source configurations and computed metric
// results in PostgreSQL. Settings and result metadata live in JSONB
// columns; pgx encodes the maps and slices directly.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/models"
)

type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresClient(connectionURL string, logger *zap.Logger) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{
		pool:   pool,
		logger: logger,
	}, nil
}

func (c *PostgresClient) Close() {
	c.pool.Close()
}

func (c *PostgresClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.pool.Ping(ctx)
}

func (c *PostgresClient) GetPoolStats() *pgxpool.Stat {
	return c.pool.Stat()
}

// schemaStatements are executed one per Exec call; pgx's extended
// protocol does not accept multi-statement strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS source_configs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL,
		settings   JSONB NOT NULL DEFAULT '{}',
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metric_results (
		id           TEXT PRIMARY KEY,
		metric       TEXT NOT NULL,
		value        DOUBLE PRECISION NOT NULL,
		unit         TEXT NOT NULL,
		computed_at  TIMESTAMPTZ NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end   TIMESTAMPTZ NOT NULL,
		sources      JSONB NOT NULL DEFAULT '[]',
		degraded     JSONB NOT NULL DEFAULT '[]',
		metadata     JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metric_results_metric_time
		ON metric_results (metric, computed_at DESC)`,
}

func (c *PostgresClient) InitSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	c.logger.Info("Database schema ready")
	return nil
}

func (c *PostgresClient) SaveMetricResult(ctx context.Context, result models.MetricResult) error {
	query := `
		INSERT INTO metric_results
			(id, metric, value, unit, computed_at, window_start, window_end, sources, degraded, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(
		ctx,
		query,
		result.ID,
		string(result.Metric),
		result.Value,
		result.Unit,
		result.ComputedAt,
		result.WindowStart,
		result.WindowEnd,
		result.Sources,
		result.Degraded,
		result.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to save metric result: %w", err)
	}

	return nil
}

// BatchSaveMetricResults writes a dashboard's worth of results in one
// round trip using the PostgreSQL COPY protocol.
func (c *PostgresClient) BatchSaveMetricResults(ctx context.Context, results []models.MetricResult) error {
	if len(results) == 0 {
		c.logger.Debug("No metric results to save")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, []any{
			r.ID,
			string(r.Metric),
			r.Value,
			r.Unit,
			r.ComputedAt,
			r.WindowStart,
			r.WindowEnd,
			r.Sources,
			r.Degraded,
			r.Metadata,
		})
	}

	copyCount, err := c.pool.CopyFrom(
		ctx,
		pgx.Identifier{"metric_results"},
		[]string{"id", "metric", "value", "unit", "computed_at", "window_start", "window_end", "sources", "degraded", "metadata"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		c.logger.Error("Failed to batch save metric results",
			zap.Error(err),
			zap.Int("attempted_count", len(results)))
		return fmt.Errorf("failed to copy metric results: %w", err)
	}

	c.logger.Info("Batch saved metric results",
		zap.Int64("saved_count", copyCount),
		zap.Int("results_count", len(results)))

	return nil
}
