// Package terminal is the durable directory of known terminals.
//
// The directory is the only writer of a terminal's persisted status. Reads
// apply a staleness override: a terminal whose last activity is older than
// the configured policy allows is reported offline even when its row still
// says online, since the flag can lag real connectivity across a restart.
package terminal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/store"
)

// AutoRegisteredType is the type given to terminals first seen on a socket.
const AutoRegisteredType = "ws"

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 10

// Directory is the store-backed terminal directory.
type Directory struct {
	db     *sql.DB
	now    func() time.Time
	stale  StalenessPolicy
	logger *zap.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithStalenessPolicy overrides the staleness check.
func WithStalenessPolicy(p StalenessPolicy) Option {
	return func(d *Directory) {
		if p != nil {
			d.stale = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDirectory creates a Directory over an opened and migrated database.
func NewDirectory(db *sql.DB, opts ...Option) *Directory {
	d := &Directory{
		db:     db,
		now:    time.Now,
		stale:  StaleAfter(DefaultStaleAfter),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) clock() time.Time {
	return d.now().UTC().Truncate(time.Millisecond)
}

// Register persists a new terminal with status online.
func (d *Directory) Register(ctx context.Context, info Info) (*Terminal, error) {
	typ := strings.TrimSpace(info.Type)
	if typ == "" {
		return nil, &ValidationError{Field: "type", Reason: "is required"}
	}
	id := strings.TrimSpace(info.ID)
	if id == "" {
		id = uuid.NewString()[:8]
	}
	if strings.ContainsAny(id, "/ ") {
		return nil, &ValidationError{Field: "id", Reason: "must not contain '/' or spaces"}
	}

	now := d.clock()
	row := store.TerminalRow{
		ID:           id,
		Type:         typ,
		Metadata:     info.Metadata,
		RegisteredAt: now,
		LastActiveAt: now,
		Status:       string(StatusOnline),
	}
	if err := store.InsertTerminal(ctx, d.db, row); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
		}
		return nil, fmt.Errorf("register terminal: %w", err)
	}

	d.logger.Info("Terminal registered", zap.String("terminal_id", id), zap.String("type", typ))
	return d.toTerminal(&row, now), nil
}

// Get returns a terminal with its effective status.
func (d *Directory) Get(ctx context.Context, id string) (*Terminal, error) {
	row, err := store.GetTerminal(ctx, d.db, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d.toTerminal(row, d.clock()), nil
}

// GetStatus returns the effective status of a terminal. Unknown ids report
// StatusUnknown together with ErrNotFound.
func (d *Directory) GetStatus(ctx context.Context, id string) (Status, error) {
	t, err := d.Get(ctx, id)
	if err != nil {
		return StatusUnknown, err
	}
	return t.Status, nil
}

// ListOnline returns terminals whose effective status is online, earliest
// registered first.
func (d *Directory) ListOnline(ctx context.Context) ([]Terminal, error) {
	rows, err := store.ListTerminalsByStatus(ctx, d.db, string(StatusOnline))
	if err != nil {
		return nil, err
	}

	now := d.clock()
	out := make([]Terminal, 0, len(rows))
	for i := range rows {
		t := d.toTerminal(&rows[i], now)
		if t.Status == StatusOnline {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Search returns terminals whose id contains query, most recently active
// first.
func (d *Directory) Search(ctx context.Context, query string) ([]Terminal, error) {
	rows, err := store.SearchTerminals(ctx, d.db, query)
	if err != nil {
		return nil, err
	}

	now := d.clock()
	out := make([]Terminal, 0, len(rows))
	for i := range rows {
		out = append(out, *d.toTerminal(&rows[i], now))
	}
	return out, nil
}

// List returns every terminal, most recently active first.
func (d *Directory) List(ctx context.Context) ([]Terminal, error) {
	return d.Search(ctx, "")
}

// SetStatus persists a status and bumps last activity.
func (d *Directory) SetStatus(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	if err := store.UpdateTerminalStatus(ctx, d.db, id, string(status), d.clock()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return err
	}
	d.logger.Debug("Terminal status updated", zap.String("terminal_id", id), zap.String("status", string(status)))
	return nil
}

// Touch records activity without changing the persisted status.
func (d *Directory) Touch(ctx context.Context, id string) error {
	if err := store.TouchTerminal(ctx, d.db, id, d.clock()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// MarkOnline sets a terminal online, registering it with type
// AutoRegisteredType when the id has never been seen.
func (d *Directory) MarkOnline(ctx context.Context, id string) error {
	err := d.SetStatus(ctx, id, StatusOnline)
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := d.clock()
	err = store.InsertTerminal(ctx, d.db, store.TerminalRow{
		ID:           id,
		Type:         AutoRegisteredType,
		RegisteredAt: now,
		LastActiveAt: now,
		Status:       string(StatusOnline),
	})
	if errors.Is(err, store.ErrConflict) {
		// Registered concurrently; the row exists now.
		return d.SetStatus(ctx, id, StatusOnline)
	}
	if err != nil {
		return fmt.Errorf("auto-register terminal: %w", err)
	}
	d.logger.Info("Terminal auto-registered", zap.String("terminal_id", id))
	return nil
}

// MarkOffline sets a terminal offline.
func (d *Directory) MarkOffline(ctx context.Context, id string) error {
	return d.SetStatus(ctx, id, StatusOffline)
}

// History returns the tasks bound to a terminal, newest first.
func (d *Directory) History(ctx context.Context, id string, limit int) ([]HistoryEntry, error) {
	if _, err := d.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := store.ListTasksByTerminal(ctx, d.db, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryEntry{
			TaskID:      r.ID,
			Priority:    r.Priority,
			Status:      r.Status,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return out, nil
}

func (d *Directory) toTerminal(row *store.TerminalRow, now time.Time) *Terminal {
	status := Status(row.Status)
	if status != StatusOffline && d.stale(row.LastActiveAt, now) {
		status = StatusOffline
	}
	return &Terminal{
		ID:           row.ID,
		Type:         row.Type,
		Metadata:     row.Metadata,
		Status:       status,
		RegisteredAt: row.RegisteredAt,
		LastActiveAt: row.LastActiveAt,
	}
}
