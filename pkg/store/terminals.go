package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrConflict indicates a row with the same primary key already exists.
	ErrConflict = errors.New("row already exists")
)

// TerminalRow is the persisted form of a terminal.
type TerminalRow struct {
	ID           string
	Type         string
	Metadata     map[string]string
	RegisteredAt time.Time
	LastActiveAt time.Time
	Status       string
}

const terminalColumns = `id, type, metadata, registered_at, last_active_at, status`

// InsertTerminal inserts a new terminal row. It returns ErrConflict if the id
// is already present; existing rows are never replaced.
func InsertTerminal(ctx context.Context, db *sql.DB, row TerminalRow) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var meta sql.NullString
	if len(row.Metadata) > 0 {
		b, err := json.Marshal(row.Metadata)
		if err != nil {
			return fmt.Errorf("marshal terminal metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO terminals (`+terminalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		row.ID, row.Type, meta, toMillis(row.RegisteredAt), toMillis(row.LastActiveAt), row.Status)
	if err != nil {
		return fmt.Errorf("insert terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert terminal: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("terminal %s: %w", row.ID, ErrConflict)
	}
	return nil
}

// GetTerminal retrieves a terminal row by id.
func GetTerminal(ctx context.Context, db *sql.DB, id string) (*TerminalRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE id = ?`, id)
	tr, err := scanTerminal(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("terminal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get terminal: %w", err)
	}
	return tr, nil
}

// UpdateTerminalStatus sets the persisted status and bumps last_active_at.
func UpdateTerminalStatus(ctx context.Context, db *sql.DB, id, status string, at time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`UPDATE terminals SET status = ?, last_active_at = ? WHERE id = ?`,
		status, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("update terminal status: %w", err)
	}
	return expectOneRow(res, "terminal", id)
}

// TouchTerminal bumps last_active_at without changing the status.
func TouchTerminal(ctx context.Context, db *sql.DB, id string, at time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx, `UPDATE terminals SET last_active_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("touch terminal: %w", err)
	}
	return expectOneRow(res, "terminal", id)
}

// SearchTerminals returns terminals whose id contains query, most recently
// active first. An empty query matches every terminal.
func SearchTerminals(ctx context.Context, db *sql.DB, query string) ([]TerminalRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+terminalColumns+`
		 FROM terminals
		 WHERE id LIKE ? ESCAPE '\'
		 ORDER BY last_active_at DESC, id ASC`,
		"%"+escapeLike(query)+"%")
	if err != nil {
		return nil, fmt.Errorf("search terminals: %w", err)
	}
	return collectTerminals(rows)
}

// ListTerminalsByStatus returns terminals with the given persisted status in
// registration order (earliest first).
func ListTerminalsByStatus(ctx context.Context, db *sql.DB, status string) ([]TerminalRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+terminalColumns+`
		 FROM terminals
		 WHERE status = ?
		 ORDER BY registered_at ASC, id ASC`,
		status)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	return collectTerminals(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTerminal(s rowScanner) (*TerminalRow, error) {
	var (
		tr           TerminalRow
		meta         sql.NullString
		registeredAt int64
		lastActiveAt int64
	)
	if err := s.Scan(&tr.ID, &tr.Type, &meta, &registeredAt, &lastActiveAt, &tr.Status); err != nil {
		return nil, err
	}
	tr.RegisteredAt = fromMillis(registeredAt)
	tr.LastActiveAt = fromMillis(lastActiveAt)
	if meta.Valid && strings.TrimSpace(meta.String) != "" {
		if err := json.Unmarshal([]byte(meta.String), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("parse terminal metadata: %w", err)
		}
	}
	return &tr, nil
}

func collectTerminals(rows *sql.Rows) ([]TerminalRow, error) {
	defer func() { _ = rows.Close() }()

	var out []TerminalRow
	for rows.Next() {
		tr, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		out = append(out, *tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminals: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 == 0 {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
