package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskRow is the persisted form of a task.
type TaskRow struct {
	ID          string
	TerminalID  string
	Data        json.RawMessage
	Priority    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

const taskColumns = `id, terminal_id, task_data, priority, status, created_at, updated_at, started_at, completed_at`

// InsertTask inserts a new task row.
func InsertTask(ctx context.Context, db *sql.DB, row TaskRow) error {
	if ctx == nil {
		ctx = context.Background()
	}

	data := string(row.Data)
	if strings.TrimSpace(data) == "" {
		data = "null"
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO tasks (id, terminal_id, task_data, priority, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		row.ID, nullString(row.TerminalID), data, row.Priority, row.Status,
		toMillis(row.CreatedAt), toMillis(row.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", row.ID, ErrConflict)
	}
	return nil
}

// GetTask retrieves a task row by id.
func GetTask(ctx context.Context, db *sql.DB, id string) (*TaskRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	tr, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return tr, nil
}

// Transition describes a conditional status change.
//
// The update only applies when the current status is one of From. This is
// what makes the first lifecycle transition win when a result and a
// deadline race for the same task.
type Transition struct {
	TaskID string
	From   []string
	To     string
	At     time.Time

	// TerminalID, when non-empty, binds the task to a terminal.
	TerminalID string

	// MarkStarted sets started_at; MarkCompleted sets completed_at.
	MarkStarted   bool
	MarkCompleted bool
}

// TransitionTask applies t and reports whether a row changed.
func TransitionTask(ctx context.Context, db *sql.DB, t Transition) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition for task %s has no source states", t.TaskID)
	}

	at := toMillis(t.At)
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{t.To, at}
	if t.TerminalID != "" {
		sets = append(sets, "terminal_id = ?")
		args = append(args, t.TerminalID)
	}
	if t.MarkStarted {
		sets = append(sets, "started_at = ?")
		args = append(args, at)
	}
	if t.MarkCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, at)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.From)), ",")
	args = append(args, t.TaskID)
	for _, from := range t.From {
		args = append(args, from)
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders + `)`

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	return n > 0, nil
}

// ListTasksByTerminal returns tasks bound to a terminal, newest first.
// A non-positive limit returns every row.
func ListTasksByTerminal(ctx context.Context, db *sql.DB, terminalID string, limit int) ([]TaskRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + taskColumns + `
		 FROM tasks
		 WHERE terminal_id = ?
		 ORDER BY updated_at DESC, id DESC`
	args := []any{terminalID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRow
	for rows.Next() {
		tr, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// DeletePendingTask removes a task that never left PENDING and reports
// whether a row was deleted.
func DeletePendingTask(ctx context.Context, db *sql.DB, id string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status = 'PENDING'`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return n == 1, nil
}

// CountTasksByStatus returns the number of tasks per status.
func CountTasksByStatus(ctx context.Context, db *sql.DB) (map[string]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanTask(s rowScanner) (*TaskRow, error) {
	var (
		tr          TaskRow
		terminalID  sql.NullString
		data        string
		createdAt   int64
		updatedAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := s.Scan(&tr.ID, &terminalID, &data, &tr.Priority, &tr.Status,
		&createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if terminalID.Valid {
		tr.TerminalID = terminalID.String
	}
	tr.Data = json.RawMessage(data)
	tr.CreatedAt = fromMillis(createdAt)
	tr.UpdatedAt = fromMillis(updatedAt)
	tr.StartedAt = nullMillis(startedAt)
	tr.CompletedAt = nullMillis(completedAt)
	return &tr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
