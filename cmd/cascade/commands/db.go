package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cascade/db"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/pipeline"
	"github.com/teranos/cascade/pulse/async"
)

// DbCmd manages the SQL backend
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the cascade database",
	Long: `Manage the SQL backend selected by database.driver.

Examples:
  cascade db migrate       # Apply pending migrations
  cascade db stats         # Row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts for cascade tables",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "rest" {
		return errors.WithHint(errors.New("the rest driver has no local schema"),
			"apply migrations on the store service itself")
	}
	// openStore migrates on open
	_, conn, err := openStore(cfg)
	if err != nil {
		return errors.Wrap(err, "migration failed")
	}
	defer conn.Close()
	pterm.Success.Printf("Database migrated (%s)\n", cfg.Database.Driver)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.conn == nil {
		return errors.New("db stats needs a SQL driver (sqlite3 or postgres)")
	}

	dialect := db.SQLite
	if a.cfg.Database.Driver == string(db.Postgres) {
		dialect = db.Postgres
	}

	tables := []string{
		ledger.Collection,
		idempotency.Collection,
		async.Collection,
		pipeline.TranslationsCollection,
		pipeline.PublicSnapshotsCollection,
		pipeline.EmbeddingsCollection,
	}
	for _, ent := range a.cfg.Entities {
		tables = append(tables, ent.Collection)
	}

	data := [][]string{{"Table", "Rows"}}
	for _, table := range tables {
		var n int64
		q := "SELECT COUNT(*) FROM " + dialect.QuoteIdent(table)
		if err := a.conn.QueryRowContext(cmd.Context(), q).Scan(&n); err != nil {
			data = append(data, []string{table, pterm.FgRed.Sprint("missing")})
			continue
		}
		data = append(data, []string{table, fmt.Sprint(n)})
	}
	pterm.DefaultSection.Println("Database Statistics")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
