// Package postgres implements resultstore.Driver over PostgreSQL via
// pgx, for multi-node deployments sharing one durable result store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orchestratord/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_results (
	task_id    TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Driver is the PostgreSQL-backed resultstore.Driver.
type Driver struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the task_results table exists.
func Open(ctx context.Context, dsn string) (*Driver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("resource_error: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("resource_error: migrate postgres schema: %w", err)
	}
	return &Driver{pool: pool}, nil
}

// Put upserts result.
func (d *Driver) Put(ctx context.Context, result *model.TaskResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("resource_error: encode task result: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO task_results (task_id, payload, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (task_id) DO UPDATE SET payload = excluded.payload, updated_at = now()`,
		result.TaskID, payload)
	if err != nil {
		return fmt.Errorf("resource_error: upsert task result: %w", err)
	}
	return nil
}

// Get retrieves a result by task_id.
func (d *Driver) Get(ctx context.Context, taskID string) (*model.TaskResult, bool, error) {
	var payload []byte
	err := d.pool.QueryRow(ctx, `SELECT payload FROM task_results WHERE task_id = $1`, taskID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resource_error: query task result: %w", err)
	}
	var result model.TaskResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, false, fmt.Errorf("resource_error: decode task result: %w", err)
	}
	return &result, true, nil
}

// Close releases the connection pool.
func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}
