package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ResultRow is the persisted result of a task.
//
// There is at most one row per task; a second upload overwrites data and
// status but keeps the original id and created_at.
type ResultRow struct {
	ID        string
	TaskID    string
	Data      json.RawMessage
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertResult stores the result for row.TaskID, replacing any earlier one.
func UpsertResult(ctx context.Context, db *sql.DB, row ResultRow) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var data sql.NullString
	if len(row.Data) > 0 {
		data = sql.NullString{String: string(row.Data), Valid: true}
	}
	updated := row.UpdatedAt
	if updated.IsZero() {
		updated = row.CreatedAt
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO task_results (id, task_id, result_data, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			result_data = excluded.result_data,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		row.ID, row.TaskID, data, row.Status, toMillis(row.CreatedAt), toMillis(updated))
	if err != nil {
		return fmt.Errorf("upsert task result: %w", err)
	}
	return nil
}

// GetResult returns the stored result for a task.
func GetResult(ctx context.Context, db *sql.DB, taskID string) (*ResultRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		rr        ResultRow
		data      sql.NullString
		createdAt int64
		updatedAt sql.NullInt64
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, task_id, result_data, status, created_at, updated_at
		 FROM task_results WHERE task_id = ?`,
		taskID).Scan(&rr.ID, &rr.TaskID, &data, &rr.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task result: %w", err)
	}

	if data.Valid {
		rr.Data = json.RawMessage(data.String)
	}
	rr.CreatedAt = fromMillis(createdAt)
	if updatedAt.Valid {
		rr.UpdatedAt = fromMillis(updatedAt.Int64)
	} else {
		rr.UpdatedAt = rr.CreatedAt
	}
	return &rr, nil
}
