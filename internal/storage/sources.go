package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/models"
)

// SaveSourceConfig inserts or replaces the stored configuration for one
// source instance. The id is the conflict key so re-saving after an edit
// keeps a single row per instance.
func (c *PostgresClient) SaveSourceConfig(ctx context.Context, cfg models.SourceConfig) error {
	query := `
		INSERT INTO source_configs (id, name, type, settings, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    type = EXCLUDED.type,
		    settings = EXCLUDED.settings,
		    enabled = EXCLUDED.enabled
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(
		ctx,
		query,
		cfg.ID,
		cfg.Name,
		cfg.Type,
		cfg.Settings,
		cfg.Enabled,
		cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save source config: %w", err)
	}

	c.logger.Debug("Saved source config",
		zap.String("id", cfg.ID),
		zap.String("name", cfg.Name),
		zap.String("type", cfg.Type))

	return nil
}

func (c *PostgresClient) ListSourceConfigs(ctx context.Context) ([]models.SourceConfig, error) {
	query := `
		SELECT id, name, type, settings, enabled, created_at
		FROM source_configs
		ORDER BY created_at, name
	`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query source configs: %w", err)
	}
	defer rows.Close()

	var configs []models.SourceConfig
	for rows.Next() {
		var cfg models.SourceConfig
		if err := rows.Scan(
			&cfg.ID,
			&cfg.Name,
			&cfg.Type,
			&cfg.Settings,
			&cfg.Enabled,
			&cfg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan source config row: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source configs: %w", err)
	}

	return configs, nil
}

// GetSourceConfig returns (nil, nil) when no row matches the id.
func (c *PostgresClient) GetSourceConfig(ctx context.Context, id string) (*models.SourceConfig, error) {
	query := `
		SELECT id, name, type, settings, enabled, created_at
		FROM source_configs
		WHERE id = $1
	`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var cfg models.SourceConfig
	err := c.pool.QueryRow(ctx, query, id).Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Type,
		&cfg.Settings,
		&cfg.Enabled,
		&cfg.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source config: %w", err)
	}

	return &cfg, nil
}

// DeleteSourceConfig reports whether a row matched the id.
func (c *PostgresClient) DeleteSourceConfig(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := c.pool.Exec(ctx, `DELETE FROM source_configs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete source config: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return false, nil
	}

	c.logger.Info("Deleted source config", zap.String("id", id))
	return true, nil
}

// SetSourceEnabled reports whether a row matched the id.
func (c *PostgresClient) SetSourceEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := c.pool.Exec(ctx, `UPDATE source_configs SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return false, fmt.Errorf("failed to update source enabled flag: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
