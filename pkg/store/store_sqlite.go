//go:build !cgo

package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// openDriver uses the pure-Go modernc driver. Remote libsql URLs need the
// cgo build.
func openDriver(dsn string, loc location) (*sql.DB, error) {
	if loc == locRemote {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}
