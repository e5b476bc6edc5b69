// Package sqlite implements resultstore.Driver over a local SQLite file,
// for single-node deployments that want durable results without a
// separate database service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"orchestratord/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_results (
	task_id    TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Driver is the SQLite-backed resultstore.Driver.
type Driver struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and ensures
// the task_results table exists.
func Open(dsn string) (*Driver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("resource_error: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("resource_error: migrate sqlite schema: %w", err)
	}
	return &Driver{db: db}, nil
}

// Put upserts result.
func (d *Driver) Put(ctx context.Context, result *model.TaskResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("resource_error: encode task result: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO task_results (task_id, payload, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(task_id) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
		result.TaskID, payload)
	if err != nil {
		return fmt.Errorf("resource_error: upsert task result: %w", err)
	}
	return nil
}

// Get retrieves a result by task_id.
func (d *Driver) Get(ctx context.Context, taskID string) (*model.TaskResult, bool, error) {
	var payload []byte
	err := d.db.QueryRowContext(ctx, `SELECT payload FROM task_results WHERE task_id = ?`, taskID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
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

// Close releases the underlying database handle.
func (d *Driver) Close() error {
	return d.db.Close()
}
