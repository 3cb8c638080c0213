// Package task owns durable task records, their results and the task
// lifecycle state machine.
//
// Lifecycle:
//
//	PENDING -> DELIVERED -> PROCESSING -> COMPLETED | FAILED
//	           DELIVERED | PROCESSING  -> TIMEOUT
//
// DELIVERED may also go straight to COMPLETED or FAILED when a terminal skips
// the acceptance step. Transitions are applied as conditional updates, so the
// first transition out of DELIVERED or PROCESSING wins and later events
// report "not applied".
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/store"
)

var (
	// ErrNotFound indicates the task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNotReady indicates the task exists but has no stored result yet.
	ErrNotReady = errors.New("task result not ready")

	// ErrInvalidTransition indicates the target status has no inbound edge.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrInvalidPayload indicates the payload is not valid JSON.
	ErrInvalidPayload = errors.New("invalid task payload")
)

// IsNotFound returns true if the error indicates a task was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotReady returns true if the error indicates a result is not available yet.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// Store reads and writes tasks and results.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Store over an opened and migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a task id of the form T<unix-ms>_<8 hex>.
func NewID(now time.Time) string {
	return fmt.Sprintf("T%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Create persists a new PENDING task.
func (s *Store) Create(ctx context.Context, payload json.RawMessage, priority Priority) (*Task, error) {
	if strings.TrimSpace(string(payload)) == "" {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	now := s.clock()
	t := &Task{
		ID:        NewID(now),
		Payload:   payload,
		Priority:  ParsePriority(string(priority)),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := store.InsertTask(ctx, s.db, store.TaskRow{
		ID:        t.ID,
		Data:      t.Payload,
		Priority:  string(t.Priority),
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.Debug("Task created", zap.String("task_id", t.ID), zap.String("priority", string(t.Priority)))
	return t, nil
}

// Get returns a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row, err := store.GetTask(ctx, s.db, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Transition moves a task to status to, binding terminalID when non-empty.
//
// It reports applied=false, with a nil error, when the task exists but its
// current status has no edge to to. This is the normal outcome for a late
// result or a deadline that lost the race.
func (s *Store) Transition(ctx context.Context, id string, to Status, terminalID string) (bool, error) {
	from, ok := sources[to]
	if !ok {
		return false, fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
	}

	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}

	applied, err := store.TransitionTask(ctx, s.db, store.Transition{
		TaskID:        id,
		From:          fromStr,
		To:            string(to),
		At:            s.clock(),
		TerminalID:    terminalID,
		MarkStarted:   to == StatusProcessing,
		MarkCompleted: to.IsTerminal(),
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.logger.Debug("Task transitioned", zap.String("task_id", id), zap.String("status", string(to)))
		return true, nil
	}

	// Distinguish a lost race from a missing task.
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SaveResult stores the result for a task, replacing any earlier upload.
func (s *Store) SaveResult(ctx context.Context, taskID string, data json.RawMessage, status Status) (*Result, error) {
	if len(data) > 0 && !json.Valid(data) {
		return nil, ErrInvalidPayload
	}

	now := s.clock()
	err := store.UpsertResult(ctx, s.db, store.ResultRow{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Data:      data,
		Status:    string(status),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	return s.GetResult(ctx, taskID)
}

// GetResult returns the stored result. It returns ErrNotFound for an unknown
// task and ErrNotReady when the task has no result yet.
func (s *Store) GetResult(ctx context.Context, taskID string) (*Result, error) {
	row, err := store.GetResult(ctx, s.db, taskID)
	if errors.Is(err, store.ErrNotFound) {
		if _, getErr := s.Get(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%s: %w", taskID, ErrNotReady)
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		ID:        row.ID,
		TaskID:    row.TaskID,
		Data:      row.Data,
		Status:    Status(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// ListByTerminal returns tasks bound to terminalID, newest first.
func (s *Store) ListByTerminal(ctx context.Context, terminalID string, limit int) ([]Task, error) {
	rows, err := store.ListTasksByTerminal(ctx, s.db, terminalID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(rows))
	for i := range rows {
		out = append(out, *fromRow(&rows[i]))
	}
	return out, nil
}

// Discard deletes a task that was never dispatched. Tasks past PENDING are
// kept and false is returned.
func (s *Store) Discard(ctx context.Context, id string) (bool, error) {
	return store.DeletePendingTask(ctx, s.db, id)
}

// CountByStatus returns the number of tasks per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts, err := store.CountTasksByStatus(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(counts))
	for k, v := range counts {
		out[Status(k)] = v
	}
	return out, nil
}

// Ping verifies the underlying database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func fromRow(row *store.TaskRow) *Task {
	return &Task{
		ID:          row.ID,
		TerminalID:  row.TerminalID,
		Payload:     row.Data,
		Priority:    Priority(row.Priority),
		Status:      Status(row.Status),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
}
