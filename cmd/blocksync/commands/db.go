package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/blocksync/am"
	"github.com/teranos/blocksync/db"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the local database",
	Long: sym.DB + ` db — Manage the local database

Examples:
  blocksync db migrate   # Create or upgrade the schema
  blocksync db stats     # Row counts and applied migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func resolveDBPath() (string, error) {
	if dbPathFlag != "" {
		return dbPathFlag, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return "", errors.Wrap(err, "failed to load configuration")
	}
	return cfg.GetDatabasePath(), nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to migrate %s", path)
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return errors.Newf("no migrations recorded in %s", path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is at schema %s (%d migrations)\n", sym.DB, path, versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "database %s", path)
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	var blocks, pages, transactions, mappings int
	err = database.QueryRowContext(cmd.Context(), `
		SELECT
			(SELECT COUNT(*) FROM blocks),
			(SELECT COUNT(DISTINCT page_id) FROM blocks),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM id_mappings)
	`).Scan(&blocks, &pages, &transactions, &mappings)
	if err != nil {
		return errors.Wrap(err, "failed to query statistics (run 'blocksync db migrate' first)")
	}
	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Database Statistics\n", sym.DB)
	fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Fprintf(out, "Database Path:  %s (%d KiB)\n", path, size/1024)
	fmt.Fprintf(out, "Blocks:         %d across %d pages\n", blocks, pages)
	fmt.Fprintf(out, "Transactions:   %d\n", transactions)
	fmt.Fprintf(out, "ID Mappings:    %d\n", mappings)
	fmt.Fprintf(out, "Migrations:     %v\n", versions)
	return nil
}
