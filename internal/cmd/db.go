package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/godispatch/pkg/store"
	"github.com/3leaps/godispatch/pkg/task"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and migrate the coordinator database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the schema",
	Args:  cobra.NoArgs,
	RunE:  runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version and task counts",
	Args:  cobra.NoArgs,
	RunE:  runDBStatus,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd, dbStatusCmd)
	dbStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDBMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	sc, err := resolveStoreConfig(cfg.Store)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve database path", err)
	}
	db, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	fmt.Printf("%s is at schema v%d\n", describeStore(sc), store.SchemaVersion)
	return nil
}

type dbStatus struct {
	Database      string         `json:"database"`
	SchemaVersion int            `json:"schemaVersion"`
	Tasks         map[string]int `json:"tasks"`
}

func runDBStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	sc, err := resolveStoreConfig(cfg.Store)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve database path", err)
	}
	ctx := cmd.Context()
	db, err := store.Open(ctx, sc)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open database", err)
	}
	defer func() { _ = db.Close() }()

	st, err := readDBStatus(ctx, db, sc)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(st)
	}
	fmt.Printf("Database:  %s\n", st.Database)
	fmt.Printf("Schema:    v%d (binary expects v%d)\n", st.SchemaVersion, store.SchemaVersion)
	for _, s := range []task.Status{task.StatusPending, task.StatusDelivered, task.StatusProcessing,
		task.StatusCompleted, task.StatusFailed, task.StatusTimeout} {
		fmt.Printf("%-10s %d\n", string(s)+":", st.Tasks[string(s)])
	}
	return nil
}

func readDBStatus(ctx context.Context, db *sql.DB, sc store.Config) (*dbStatus, error) {
	v, err := store.CurrentSchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	st := &dbStatus{Database: describeStore(sc), SchemaVersion: v, Tasks: map[string]int{}}
	if v == 0 {
		return st, nil
	}
	counts, err := task.NewStore(db).CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for s, n := range counts {
		st.Tasks[string(s)] = n
	}
	return st, nil
}
