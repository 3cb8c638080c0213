package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/godispatch/internal/config"
	"github.com/3leaps/godispatch/pkg/store"
)

// resolveStoreConfig fills in the default database path under the app data
// dir when neither a path nor a URL is configured.
func resolveStoreConfig(cfg config.StoreConfig) (store.Config, error) {
	sc := store.Config{
		Path:        strings.TrimSpace(cfg.Path),
		URL:         strings.TrimSpace(cfg.URL),
		AuthToken:   cfg.AuthToken,
		BusyTimeout: cfg.BusyTimeout,
	}
	if sc.Path != "" || sc.URL != "" {
		return sc, nil
	}

	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return sc, fmt.Errorf("app identity is not available to derive default database path")
	}
	sc.Path = filepath.Join(gfconfig.GetAppDataDir(identity.ConfigName), "godispatch.db")
	return sc, nil
}

// openStore opens and migrates the dispatch database.
func openStore(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	sc, err := resolveStoreConfig(cfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Cannot resolve database path", err)
	}
	db, err := store.Open(ctx, sc)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot open database", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, exitError(foundry.ExitFileWriteError, "Cannot migrate database", err)
	}
	return db, nil
}

// describeStore names the database for log lines without leaking tokens.
func describeStore(sc store.Config) string {
	if sc.URL != "" {
		if i := strings.IndexByte(sc.URL, '?'); i >= 0 {
			return sc.URL[:i]
		}
		return sc.URL
	}
	return sc.Path
}
