// Package store opens the coordinator's durable database and owns its schema.
//
// The database holds three tables: terminals, tasks and task_results. Row
// helpers in this package are plain functions over *sql.DB; the domain
// packages (terminal, task) build their services on top of them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBusyTimeout is used when Config.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// Config selects the dispatch database.
type Config struct {
	// Path is a local database file, or ":memory:". Plain paths are turned
	// into file: DSNs and their parent directory is created.
	Path string

	// URL is a remote libsql URL such as libsql://dispatch.turso.io. It takes
	// precedence over Path.
	URL string

	// AuthToken is added to URL as authToken unless the URL already has one.
	AuthToken string

	// BusyTimeout bounds how long a statement waits for a lock held by
	// another process sharing the file (the server and the CLI).
	BusyTimeout time.Duration
}

func (c Config) busyTimeout() time.Duration {
	if c.BusyTimeout <= 0 {
		return DefaultBusyTimeout
	}
	return c.BusyTimeout
}

// location is where a DSN points.
type location int

const (
	locMemory location = iota
	locFile
	locRemote
)

func locate(dsn string) location {
	switch {
	case dsn == ":memory:":
		return locMemory
	case strings.HasPrefix(dsn, "file:"):
		return locFile
	default:
		return locRemote
	}
}

// Open opens the dispatch database. Local databases are held on a single
// connection whose pragmas are applied in order: busy_timeout, foreign_keys,
// then WAL for files. Setting busy_timeout first lets the WAL switch wait
// for a concurrent opener instead of failing with "database is locked".
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	loc := locate(dsn)

	db, err := openDriver(dsn, loc)
	if err != nil {
		return nil, err
	}
	if loc != locRemote {
		// A pooled :memory: connection would see its own empty database, and
		// pragmas are per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if loc != locRemote {
		if err := prepareLocal(ctx, db, loc, cfg.busyTimeout()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func prepareLocal(ctx context.Context, db *sql.DB, loc location, busy time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, busy+5*time.Second)
	defer cancel()

	if _, err := pragma(ctx, db, "busy_timeout="+strconv.FormatInt(busy.Milliseconds(), 10)); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := pragma(ctx, db, "foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if loc != locFile {
		return nil
	}
	mode, err := pragma(ctx, db, "journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal_mode is %q", mode)
	}
	if _, err := pragma(ctx, db, "synchronous=NORMAL"); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

// pragma runs PRAGMA stmt and returns the first column of the first row, if
// the pragma reports one. Drivers differ on whether setters return a row, so
// the statement is always run as a query.
func pragma(ctx context.Context, db *sql.DB, stmt string) (string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA "+stmt)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var value string
	if rows.Next() {
		if err := rows.Scan(&value); err != nil {
			return "", err
		}
	}
	return value, rows.Err()
}

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return withAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("store path or url is required")
	case path == ":memory:":
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local, err := filePath(path)
		if err != nil {
			return "", err
		}
		return path, mkParent(local)
	case strings.HasPrefix(path, "libsql:"):
		return path, nil
	}

	if err := mkParent(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dsn, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// filePath extracts the filesystem path from a file: DSN.
func filePath(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	if u.Path != "" {
		return strings.TrimPrefix(u.Path, "//"), nil
	}
	return strings.TrimPrefix(u.Opaque, "//"), nil
}

func mkParent(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- the data directory may be shared with other local users
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
